package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "reminder"))

	log.Info("fired", Int("iteration", 2), Bool("ok", true), Duration("took", time.Second), Err(nil))
	log.Error("send failed", Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "reminder", lines[0]["comp"])
	assert.Equal(t, float64(2), lines[0]["iteration"])
	assert.NotContains(t, lines[0], "err")
	assert.Contains(t, lines[0]["caller"], "logging_test.go:")
	assert.Equal(t, "boom", lines[1]["err"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	assert.Len(t, decodeLines(t, &buf), 1)
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(&buf, "debug")
	_ = parent.With(String("child", "yes"))
	parent.Info("plain")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "child")
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("no panic")
	assert.False(t, Nop().IsZero())
	Nop().Error("dropped")
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceForwardsAlerts(t *testing.T) {
	svc, log := New(Config{Level: "debug", Console: false})
	t.Cleanup(func() { _ = svc.Close() })

	sender := &recordingSender{}
	svc.SetAlertSender(sender)
	svc.Apply(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}})

	log.Warn("below threshold")
	log.Error("tick failed", String("definition_id", "anc"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	msg := sender.msgs[0]
	sender.mu.Unlock()
	assert.True(t, strings.HasPrefix(msg, "[ERROR] tick failed"))
	assert.Contains(t, msg, "definition_id=anc")
}

func TestFormatAlertJSONFallsBackToRaw(t *testing.T) {
	assert.Equal(t, "not json", formatAlertJSON([]byte("not json\n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("loud", LevelInfo))
}
