package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig("Intake", Config{IsProduction: true, AppEnv: "production", Out: &buf})

	l.LogInfof("accepted %d jobs", 3)
	l.LogDebugf("hidden at info level")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "Intake", line["component"])
	assert.Equal(t, "accepted 3 jobs", line["message"])
}

func TestConsoleLoggerPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig("Gateway", Config{AppEnv: "development", Out: &buf})

	l.LogWarn("slow store")
	assert.Contains(t, buf.String(), "[Gateway] slow store")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.LogError("ignored", nil)
	l.LogSuccessf("ignored %s", "too")
}
