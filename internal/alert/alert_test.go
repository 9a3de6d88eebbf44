package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() Alert {
	return Alert{
		Severity: SeverityCritical,
		Event:    "emergency_close_failed",
		UserID:   "u1",
		Message:  "position unprotected",
		Fields:   map[string]string{"instrument": "BTC-USD-PERP"},
	}
}

func TestLogNotifier(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewLogNotifier(logger)
	assert.NoError(t, n.Notify(context.Background(), testAlert()))
}

func TestWebhookNotifierDelivers(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewWebhookNotifier(srv.URL, logger)

	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, "emergency_close_failed", got.Event)
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.At.IsZero(), "timestamp stamped when missing")
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewWebhookNotifier(srv.URL, logger)

	err := n.Notify(context.Background(), testAlert())
	assert.Error(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestAuditWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w := NewAuditWriter(path)

	require.NoError(t, w.Record("emergency_close_failed", "u1", map[string]string{"cause": "venue down"}))
	require.NoError(t, w.Record("manual_intervention", "u2", nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "emergency_close_failed", lines[0]["event"])
	assert.Equal(t, "venue down", lines[0]["cause"])
	assert.Equal(t, "u2", lines[1]["user_id"])
	assert.NotEmpty(t, lines[0]["at"])
}

func TestAuditingNotifierRecordsThenForwards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	n := NewAuditingNotifier(NewLogNotifier(logger), NewAuditWriter(path))
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"emergency_close_failed"`)
	assert.Contains(t, string(data), `"severity":"critical"`)
	assert.Contains(t, string(data), `"instrument":"BTC-USD-PERP"`)
}
