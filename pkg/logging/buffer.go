package logging

import (
	"strings"
	"sync"
)

// captureSize is how many recent lines LogCaptureWriter keeps.
const captureSize = 100

// LogCaptureWriter is a thread-safe writer that keeps the most recent lines in a ring.
type LogCaptureWriter struct {
	mu    sync.RWMutex
	lines [captureSize]string
	next  int
	count int
}

// GlobalLogCapture receives every INFO+ record, for the log endpoints.
var GlobalLogCapture = &LogCaptureWriter{}

// Write implements io.Writer. Each call is one slog record.
func (w *LogCaptureWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines[w.next] = strings.TrimRight(string(p), "\n")
	w.next = (w.next + 1) % captureSize
	w.count = min(w.count+1, captureSize)
	return len(p), nil
}

// GetLastLine returns the most recent log line.
func (w *LogCaptureWriter) GetLastLine() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.count == 0 {
		return ""
	}
	return w.lines[(w.next+captureSize-1)%captureSize]
}

// Recent returns up to n lines, oldest first.
func (w *LogCaptureWriter) Recent(n int) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n = max(0, min(n, w.count))
	out := make([]string, n)
	start := (w.next - n + captureSize) % captureSize
	for i := range out {
		out[i] = w.lines[(start+i)%captureSize]
	}
	return out
}
