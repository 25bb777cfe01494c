package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "warn"), "broadcaster")

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("offer notification failed", "driver_id", "d1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "broadcaster", rec["component"])
	assert.Equal(t, "d1", rec["driver_id"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Contains(t, rec, "source")
}

func TestLevelFromString(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", " WARNING ": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"} {
		assert.Equal(t, want, levelFromString(in).Level().String(), in)
	}
}
