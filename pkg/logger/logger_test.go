package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestNew_WritesStructuredJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	log := New(Config{Level: "info", Output: &buf, Service: "rotation"})

	log.Debug().Msg("hidden")
	log.Info().Str("trade_id", "t-1").Msg("trade executed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "trade executed", entry["message"])
	assert.Equal(t, "t-1", entry["trade_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "rotation", entry["service"])
}

func TestSetGlobalLogger(t *testing.T) {
	previous := zlog.Logger
	defer func() { zlog.Logger = previous }()

	var buf bytes.Buffer
	SetGlobalLogger(zerolog.New(&buf))
	zlog.Info().Msg("through global")

	assert.Contains(t, buf.String(), "through global")
}
