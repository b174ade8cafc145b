/*
 * Copyright 2025 The Wallaby Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport carries backend messages over websocket connections.
// Each logical stream is one websocket; messages are CBOR encoded binary
// frames. Terminal backend errors arrive as close frames whose code
// embeds a status code in the private range.
package transport

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallaby-db/wallaby/internal/version"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

const (
	// CloseStatusBase plus a status code forms the private websocket
	// close code carrying a terminal backend error.
	CloseStatusBase = 4000

	// UserAgentHeader carries the library identity and version in the
	// connection handshake.
	UserAgentHeader = "X-Wallaby-User-Agent"

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 10 * time.Second

	// defaultHandshakeTimeout bounds the websocket dial.
	defaultHandshakeTimeout = 10 * time.Second
)

// Channel is one open bidirectional message channel. Send and Recv are
// each safe for one concurrent caller; Close may be called from any
// goroutine and unblocks a pending Recv.
type Channel interface {
	// Send encodes and writes one message.
	Send(v any) error

	// Recv reads the next message into v, blocking until one arrives or
	// the channel dies. A clean shutdown returns io.EOF; terminal backend
	// errors return the carried status error.
	Recv(v any) error

	// Close tears the channel down.
	Close() error
}

// Connector opens channels to a backend.
type Connector interface {
	// Connect opens a channel to the named endpoint, authenticating with
	// the given token when non-empty.
	Connect(ctx context.Context, endpoint string, token string) (Channel, error)
}

// WebSocketConnector dials websocket endpoints under a common base URL,
// e.g. "ws://backend:8080".
type WebSocketConnector struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWebSocketConnector creates a connector for the given base URL.
func NewWebSocketConnector(baseURL string) *WebSocketConnector {
	return &WebSocketConnector{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

// Connect dials baseURL+endpoint. The token travels as a bearer
// authorization header, the library version as a user agent header.
func (c *WebSocketConnector) Connect(ctx context.Context, endpoint string, token string) (Channel, error) {
	header := http.Header{}
	header.Set(UserAgentHeader, "wallaby-go/"+version.Version)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, res, err := c.dialer.DialContext(ctx, c.baseURL+endpoint, header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, errors.Unauthenticated(fmt.Sprintf("dial %s: %v", endpoint, err))
		}
		return nil, errors.Unavailable(fmt.Sprintf("dial %s: %v", endpoint, err))
	}

	return &webSocketChannel{conn: conn}, nil
}

// webSocketChannel adapts one websocket connection to the Channel
// interface.
type webSocketChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func (ch *webSocketChannel) Send(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if ch.closed {
		return io.EOF
	}

	if err := ch.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return errors.Unavailable(fmt.Sprintf("set write deadline: %v", err))
	}
	if err := ch.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Unavailable(fmt.Sprintf("write message: %v", err))
	}

	return nil
}

func (ch *webSocketChannel) Recv(v any) error {
	for {
		messageType, data, err := ch.conn.ReadMessage()
		if err != nil {
			return closeError(err)
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			// Pings and non-binary frames are not protocol messages.
			continue
		}

		if err := Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}

		return nil
	}
}

func (ch *webSocketChannel) Close() error {
	ch.writeMu.Lock()
	if ch.closed {
		ch.writeMu.Unlock()
		return nil
	}
	ch.closed = true

	deadline := time.Now().Add(defaultWriteTimeout)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ch.conn.WriteControl(websocket.CloseMessage, message, deadline)
	ch.writeMu.Unlock()

	return ch.conn.Close()
}

// closeError maps a websocket read error to the channel error contract:
// io.EOF for clean shutdowns, the embedded status error for private
// close codes and unavailable for everything else.
func closeError(err error) error {
	var closeErr *websocket.CloseError
	if !goerrors.As(err, &closeErr) {
		return errors.Unavailable(fmt.Sprintf("read message: %v", err))
	}

	switch {
	case closeErr.Code >= CloseStatusBase && closeErr.Code < CloseStatusBase+100:
		return errors.FromCode(errors.StatusCode(closeErr.Code-CloseStatusBase), closeErr.Text)
	case closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway:
		return io.EOF
	default:
		return errors.Unavailable(fmt.Sprintf("connection closed: %v", err))
	}
}

// CloseWithStatus writes a close frame carrying the given status error
// to a raw websocket connection. The backend test double uses it to end
// streams the way a real backend would.
func CloseWithStatus(conn *websocket.Conn, code errors.StatusCode, text string) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	message := websocket.FormatCloseMessage(CloseStatusBase+int(code), text)

	return conn.WriteControl(websocket.CloseMessage, message, deadline)
}
