package api

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sightline/pkg/logging"
)

// Matches key=value or key="value with spaces" in slog text output.
var logRegex = regexp.MustCompile(`([a-zA-Z0-9_\-.]+)=(?:"((?:[^"\\]|\\.)*)"|([^ ]+))`)

type logLine struct {
	Time    string            `json:"time,omitempty"`
	Level   string            `json:"level,omitempty"`
	Message string            `json:"msg"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// handleLatestLog returns the last captured INFO+ record, split into fields.
func handleLatestLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, parseLogLine(logging.GlobalLogCapture.GetLastLine()))
}

// handleRecentLogs returns up to ?lines=N (default 20) recent INFO+ records, oldest first.
func handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = parsed
	}
	raw := logging.GlobalLogCapture.Recent(n)
	out := make([]logLine, 0, len(raw))
	for _, l := range raw {
		out = append(out, parseLogLine(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// parseLogLine splits a slog text line. Times are shortened to HH:MM:SS.
// Lines that are not in key=value form come back whole as the message.
func parseLogLine(raw string) logLine {
	matches := logRegex.FindAllStringSubmatch(raw, -1)
	out := logLine{}
	for _, m := range matches {
		key, val := m[1], m[2]
		if val == "" {
			val = m[3]
		}
		val = strings.TrimSpace(val)

		switch key {
		case "time":
			if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
				out.Time = t.Format("15:04:05")
			}
		case "level":
			out.Level = val
		case "msg":
			out.Message = val
		default:
			if out.Attrs == nil {
				out.Attrs = make(map[string]string)
			}
			out.Attrs[key] = val
		}
	}
	if out.Message == "" {
		return logLine{Message: raw}
	}
	return out
}
