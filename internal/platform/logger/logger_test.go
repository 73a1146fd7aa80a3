package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"targeting/internal/platform/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("json handler tags service and honours level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, config.Log{Level: "warn", Format: "json"})

		log.Info("dropped")
		log.Warn("kept", "selection_id", "abc")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "targeting", entry["service"])
		assert.Equal(t, "abc", entry["selection_id"])
	})

	t.Run("text handler", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, config.Log{Level: "debug", Format: "text"})
		log.Debug("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})
}
