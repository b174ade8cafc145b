package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/test/helper"
)

func TestZZDebugMultiClient(t *testing.T) {
	_ = logging.SetLogLevel("debug")
	ctx := testContext(t)
	b := helper.NewBackend(t)
	writer := newTestClient(t, b)
	reader := newTestClient(t, b)

	responses := listenTo(t, reader, mustQuery(t, "rooms"))
	helper.WaitForSnapshot(t, responses, synced)

	assert.NoError(t, writer.Set(ctx, "rooms/r1", map[string]any{"title": "standup"}))
	assert.NoError(t, writer.WaitForPendingWrites(ctx))

	helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1"))

	assert.NoError(t, writer.Delete(ctx, "rooms/r1"))
	t.Logf("delete returned")
	assert.NoError(t, writer.WaitForPendingWrites(ctx))
	t.Logf("wait for pending writes returned; backend docs=%d", b.DocumentCount())

	s := helper.WaitForSnapshot(t, responses, func(s *client.Snapshot) bool {
		t.Logf("snapshot: docs=%d fromCache=%v pending=%v", len(s.Documents), s.FromCache, s.HasPendingWrites)
		return len(s.Documents) == 0 && !s.FromCache
	})
	_ = s
}
