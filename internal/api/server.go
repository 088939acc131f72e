package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sightline/pkg/metrics"
	"sightline/pkg/version"
)

// NewServer creates and configures the HTTP server.
// Handlers may be nil, which leaves their routes unregistered.
func NewServer(addr string, los *LOSHandler, scan *ScanHandler, peaks *PeaksHandler, stats *StatsHandler, m *metrics.Collector, shutdown func()) *http.Server {
	mux := http.NewServeMux()

	// 1. Health and version
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/version", handleVersion)
	mux.HandleFunc("GET /api/log/latest", handleLatestLog)
	mux.HandleFunc("GET /api/log/recent", handleRecentLogs)

	// 2. Line of sight
	if los != nil {
		mux.HandleFunc("POST /api/los", los.HandleLOS)
	}

	// 3. Area scans
	if scan != nil {
		mux.HandleFunc("POST /api/scan", scan.HandleScan)
		mux.HandleFunc("GET /api/scan/stream", scan.HandleStream)
		mux.HandleFunc("GET /api/scan/status", scan.HandleStatus)
		mux.HandleFunc("POST /api/scan/{id}/cancel", scan.HandleCancel)
	}

	// 4. Peaks
	if peaks != nil {
		mux.HandleFunc("POST /api/peaks", peaks.HandlePeaks)
	}

	// 5. Stats and metrics
	if stats != nil {
		mux.Handle("GET /api/stats", stats)
	}
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	// 6. Shutdown
	if shutdown != nil {
		mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
			slog.Info("Graceful shutdown initiated via API")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("Shutting down...")); err != nil {
				slog.Error("Failed to write shutdown response", "error", err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				shutdown()
			}()
		})
	}

	return &http.Server{
		Addr:         addr,
		Handler:      Middleware(mux, m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
