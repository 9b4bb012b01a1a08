package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Level: "debug", Format: FormatJSON, Out: &buf})

	logger.Debug().Str("connection", "default").Msg("registered")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "default", line["connection"])
	assert.Equal(t, "registered", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Level: "error", Format: FormatJSON, Out: &buf})

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

// closeRecorder notes whether the logger closed its sink.
type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestNewBufferedFlush(t *testing.T) {
	sink := &closeRecorder{}
	logger, flush := New(Options{Format: FormatJSON, Out: sink, Buffered: true})

	logger.Info().Str("connection", "orders").Msg("messages published")
	logger.Info().Msg("shutting down consumers")
	require.NoError(t, flush())

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"messages published"`)
	assert.Contains(t, lines[1], `"message":"shutting down consumers"`)
	assert.False(t, sink.closed)
}

func TestNewUnbufferedFlush(t *testing.T) {
	var buf bytes.Buffer
	logger, flush := New(Options{Format: FormatJSON, Out: &buf})

	logger.Info().Msg("direct")
	assert.Contains(t, buf.String(), "direct")
	assert.NoError(t, flush())
}
