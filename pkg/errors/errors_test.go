// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors_test

import (
	"testing"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	t.Run("retryable error reports true", func(t *testing.T) {
		err := errors.NewRetryable("transient")
		assert.True(t, errors.Retryable(err))
	})

	t.Run("plain error reports false", func(t *testing.T) {
		assert.False(t, errors.Retryable(errors.New("boom")))
	})
}

func TestHwError(t *testing.T) {
	t.Run("Of matches kind through wrapping", func(t *testing.T) {
		err := errors.NewTransport("Get", "0000:3a:0a.0", 0x60, errors.New("i/o error"))
		assert.True(t, errors.Of(err, errors.KindTransport))
		assert.False(t, errors.Of(err, errors.KindNotPresent))
	})

	t.Run("Unwrap exposes the underlying error", func(t *testing.T) {
		inner := errors.New("i/o error")
		err := errors.NewMalformedDump("parse", inner)
		assert.ErrorIs(t, err, inner)
	})

	t.Run("Error renders kind, op, node, offset, and cause", func(t *testing.T) {
		err := errors.NewOutOfRange("Get", "0000:3a:0a.0", 0x64, errors.New("past record end"))
		msg := err.Error()
		assert.Contains(t, msg, "out_of_range")
		assert.Contains(t, msg, "Get")
		assert.Contains(t, msg, "0000:3a:0a.0")
		assert.Contains(t, msg, "0x64")
		assert.Contains(t, msg, "past record end")
	})

	t.Run("NewUnknownCommand carries the command name as Op", func(t *testing.T) {
		err := errors.NewUnknownCommand("read_bogus")
		require.Equal(t, errors.KindUnknownCommand, err.Kind)
		assert.Equal(t, "read_bogus", err.Op)
	})
}
