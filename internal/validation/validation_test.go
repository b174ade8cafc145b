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

package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidation(t *testing.T) {
	t.Run("document path test", func(t *testing.T) {
		err := ValidateValue("rooms/r1", "required,document_path")
		assert.Nil(t, err, "two segment document path")

		err = ValidateValue("rooms/r1/messages/m1", "required,document_path")
		assert.Nil(t, err, "four segment document path")

		err = ValidateValue("rooms", "required,document_path")
		assert.Equal(t, "document_path", err.(Violation).Tag, "odd segment count")

		err = ValidateValue("rooms//m1/", "required,document_path")
		assert.Equal(t, "document_path", err.(Violation).Tag, "empty segments")
	})

	t.Run("collection path test", func(t *testing.T) {
		err := ValidateValue("rooms", "required,collection_path")
		assert.Nil(t, err, "single segment collection path")

		err = ValidateValue("rooms/r1/messages", "required,collection_path")
		assert.Nil(t, err, "three segment collection path")

		err = ValidateValue("rooms/r1", "required,collection_path")
		assert.Equal(t, "collection_path", err.(Violation).Tag, "even segment count")
	})

	t.Run("field path test", func(t *testing.T) {
		err := ValidateValue("user.address.city", "required,field_path")
		assert.Nil(t, err, "dotted field path")

		err = ValidateValue("user..city", "required,field_path")
		assert.Equal(t, "field_path", err.(Violation).Tag, "empty field segment")
	})

	t.Run("ValidateStruct test", func(t *testing.T) {
		type Options struct {
			Path  string `validate:"required,document_path"`
			Field string `validate:"required,field_path"`
		}

		opts := Options{Path: "rooms", Field: "a..b"}

		err := ValidateStruct(opts)
		structError := err.(*StructError)
		assert.Len(t, structError.Violations, 2, "options should be invalid")
	})

	t.Run("custom rule test", func(t *testing.T) {
		// register custom rule tag and validation function
		_ = RegisterValidation("custom", func(v FieldLevel) bool {
			return v.Field().String() == "custom"
		})

		// custom error message for custom rule
		myError := errors.New("custom error")
		_ = RegisterTranslation("custom", myError.Error())

		// validate value
		err := ValidateValue("custom-invalid-value", "required,custom")
		assert.NotNil(t, err, "value is must 'custom' string")
	})

	t.Run("tag and custom rule mix test", func(t *testing.T) {
		err := Validate(
			"invalid custom rule",
			[]any{
				"required",
				CustomRule{
					Tag: "other_custom",
					Func: func(v FieldLevel) bool {
						return v.Field().String() == "custom"
					},
				},
			},
		)
		assert.Equal(t, "other_custom", err.(Violation).Tag, "value is must 'custom' string")

		err = Validate(
			"invalid custom rule",
			[]interface{}{
				"required",
				"min=3",
				"max=10",
			},
		)
		assert.Equal(t, "max", err.(Violation).Tag, "value exceeds the max rule")
	})
}
