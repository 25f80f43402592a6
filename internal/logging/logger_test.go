package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
)

func TestFailureRecordsKindAndContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json")

	Failure(l, apperrors.New(apperrors.KindDatabase, "insert scan"), "scan write failed",
		slog.String("barcode", "3017620422003"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "scan write failed", entry["msg"])
	assert.Equal(t, "DATABASE_ERROR", entry["kind"])
	assert.Equal(t, "3017620422003", entry["barcode"])
	assert.Contains(t, entry["error"], "insert scan")
	assert.NotEmpty(t, entry["time"])
}

func TestFailureLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json")

	Failure(l, apperrors.New(apperrors.KindNotFound, "missing"), "lookup")
	assert.Empty(t, buf.String(), "not-found is debug and filtered at info")

	Failure(l, apperrors.New(apperrors.KindStorage, "disk full"), "persist")
	assert.True(t, strings.Contains(buf.String(), `"level":"ERROR"`))
}

func TestFailureIgnoresNil(t *testing.T) {
	var buf bytes.Buffer
	Failure(New(&buf, "debug", "text"), nil, "nothing")
	Failure(nil, apperrors.New(apperrors.KindNetwork, "x"), "no logger")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
