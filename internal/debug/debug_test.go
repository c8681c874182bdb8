package debug

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		env     bool
		verbose bool
		want    bool
	}{
		{"env enabled", true, false, true},
		{"verbose enabled", false, true, true},
		{"disabled", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnabled, oldVerbose := enabled, verboseMode
			defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()

			enabled = tt.env
			verboseMode = tt.verbose
			assert.Equal(t, tt.want, Enabled())
		})
	}
}

func TestLogf(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    string
	}{
		{"outputs when enabled", true, "test message: hello"},
		{"no output when disabled", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnabled := enabled
			defer func() {
				enabled = oldEnabled
				SetOutput(os.Stderr)
			}()

			var buf bytes.Buffer
			SetOutput(&buf)
			enabled = tt.enabled

			Logf("test message: %s", "hello")

			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			var event map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
			assert.Equal(t, tt.want, event["message"])
			assert.Equal(t, "debug", event["level"])
		})
	}
}

func TestLogStructuredFields(t *testing.T) {
	oldEnabled := enabled
	defer func() {
		enabled = oldEnabled
		SetOutput(os.Stderr)
	}()

	var buf bytes.Buffer
	SetOutput(&buf)
	enabled = true

	Log().Info().Int64("scope", 7).Str("op", "move").Msg("retrying")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, float64(7), event["scope"])
	assert.Equal(t, "move", event["op"])
}

func TestFprintNormalQuiet(t *testing.T) {
	oldQuiet := quietMode
	defer func() { quietMode = oldQuiet }()

	for _, quiet := range []bool{false, true} {
		var buf bytes.Buffer
		SetQuiet(quiet)
		FprintNormal(&buf, "hello %d\n", 1)
		if quiet {
			assert.Empty(t, buf.String())
		} else {
			assert.Equal(t, "hello 1\n", buf.String())
		}
		assert.Equal(t, quiet, IsQuiet())
	}
}
