// Package testutil holds helpers shared by signkey tests.
package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/systmms/signkey/internal/logging"
)

// LogCapture is a logging.Logger writing into an in-memory buffer.
//
// Example usage:
//
//	logs := testutil.NewLogCapture(t, false)
//	renewer := rotation.NewRenewer(store, issuer, nil, opts, logs.Logger)
//	...
//	logs.AssertContains(t, "not due")
//	logs.AssertRedacted(t, keyMaterial)
type LogCapture struct {
	Logger *logging.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogCapture creates a capture; debug enables Debug lines.
func NewLogCapture(t *testing.T, debug bool) *LogCapture {
	t.Helper()
	c := &LogCapture{}
	c.Logger = logging.NewWithWriter(lockedWriter{c}, debug, true)
	return c
}

type lockedWriter struct{ c *LogCapture }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.buf.Write(p)
}

// Output returns everything logged so far.
func (c *LogCapture) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Lines returns the non-empty log lines.
func (c *LogCapture) Lines() []string {
	var out []string
	for _, line := range strings.Split(c.Output(), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// AssertContains asserts that the log output contains substr.
func (c *LogCapture) AssertContains(t *testing.T, substr string) {
	t.Helper()
	assert.Contains(t, c.Output(), substr, "Expected log output to contain %q", substr)
}

// AssertNotContains asserts that the log output does not contain substr.
func (c *LogCapture) AssertNotContains(t *testing.T, substr string) {
	t.Helper()
	assert.NotContains(t, c.Output(), substr, "Expected log output to NOT contain %q", substr)
}

// AssertRedacted asserts that secretValue never reached the log.
func (c *LogCapture) AssertRedacted(t *testing.T, secretValue string) {
	t.Helper()
	assert.NotContains(t, c.Output(), secretValue,
		"Secret value %q should be redacted, but appears in logs", secretValue)
}

// AssertLogCount asserts how many lines were logged at level (info, warn,
// error or debug).
func (c *LogCapture) AssertLogCount(t *testing.T, level string, count int) {
	t.Helper()

	var marker string
	switch level {
	case "info":
		marker = "✓ "
	case "warn":
		marker = "⚠ "
	case "error":
		marker = "✗ "
	case "debug":
		marker = "[DEBUG] "
	default:
		t.Fatalf("Unknown log level: %s", level)
	}

	actual := 0
	for _, line := range c.Lines() {
		if strings.HasPrefix(line, marker) {
			actual++
		}
	}
	assert.Equal(t, count, actual, "Expected %d %s log messages, got %d", count, level, actual)
}
