package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sightline/pkg/config"
	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/raster"
	"sightline/pkg/terrain"
)

// Scanner runs area computations. *engine.Engine satisfies it.
type Scanner interface {
	Calculate(ctx context.Context, tc engine.TaskConfig, cb engine.Callbacks, ctl *engine.Control) ([]terrain.Cell, error)
	Busy() bool
}

// ScanHandler serves area scans, one at a time.
type ScanHandler struct {
	scanner  Scanner
	raster   config.RasterConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active *activeScan
}

type activeScan struct {
	id      string
	ctl     *engine.Control
	started time.Time
}

// NewScanHandler creates a new handler.
func NewScanHandler(s Scanner, rc config.RasterConfig) *ScanHandler {
	return &ScanHandler{
		scanner: s,
		raster:  rc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  64 * 1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// scanRequest carries exactly one of Sector, Polygon or Points.
type scanRequest struct {
	Origin       geo.Station   `json:"origin"`
	TargetHeight float64       `json:"targetHeight"`
	FrequencyMHz float64       `json:"frequencyMHz"`
	Sector       *grid.Sector  `json:"sector,omitempty"`
	Polygon      *grid.Polygon `json:"polygon,omitempty"`
	Points       []geo.Point   `json:"points,omitempty"`
	ChunkSize    int           `json:"chunkSize,omitempty"`
	Zoom         int           `json:"zoom,omitempty"`
	IncludeCells bool          `json:"includeCells,omitempty"`
}

func (req scanRequest) task() (engine.TaskConfig, error) {
	var src grid.Source
	n := 0
	if req.Sector != nil {
		s := *req.Sector
		if s.Origin == (geo.Point{}) {
			s.Origin = req.Origin.Point
		}
		src = s
		n++
	}
	if req.Polygon != nil {
		src = *req.Polygon
		n++
	}
	if len(req.Points) > 0 {
		src = grid.ExplicitPoints{Points: req.Points}
		n++
	}
	if n != 1 {
		return engine.TaskConfig{}, fmt.Errorf("%w: give exactly one of sector, polygon or points", grid.ErrNoPointSource)
	}
	return engine.TaskConfig{
		Origin:       req.Origin,
		TargetHeight: req.TargetHeight,
		Source:       src,
		FrequencyMHz: req.FrequencyMHz,
		ChunkSize:    req.ChunkSize,
		Zoom:         req.Zoom,
	}, nil
}

// scanResponse is the result of a blocking scan.
type scanResponse struct {
	ID        string           `json:"id"`
	Cancelled bool             `json:"cancelled"`
	Stats     engine.Stats     `json:"stats"`
	Image     string           `json:"image,omitempty"`
	Width     int              `json:"width,omitempty"`
	Height    int              `json:"height,omitempty"`
	Bounds    *geo.Bounds      `json:"bounds,omitempty"`
	Corners   *[4][2]float64   `json:"corners,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
	Elapsed   float64          `json:"elapsedSeconds"`
	Cells     []terrain.Cell   `json:"cells,omitempty"`
	Progress  *engine.Progress `json:"progress,omitempty"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTooManyPoints), errors.Is(err, engine.ErrRegionTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, grid.ErrNoPointSource),
		errors.Is(err, grid.ErrTooFewVertices),
		errors.Is(err, grid.ErrInvalidResolution),
		errors.Is(err, grid.ErrInvalidDistance):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// begin claims the handler's single scan slot so the scan can be found by id.
// It fails with engine.ErrBusy while another scan holds the slot.
func (h *ScanHandler) begin() (*activeScan, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return nil, engine.ErrBusy
	}
	h.active = &activeScan{id: uuid.NewString(), ctl: engine.NewControl(), started: time.Now()}
	return h.active, nil
}

func (h *ScanHandler) end(s *activeScan) {
	h.mu.Lock()
	if h.active == s {
		h.active = nil
	}
	h.mu.Unlock()
}

func (h *ScanHandler) lookup(id string) *activeScan {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil && h.active.id == id {
		return h.active
	}
	return nil
}

// HandleScan handles POST /api/scan. The request blocks until the scan ends;
// disconnecting cancels it.
func (h *ScanHandler) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tc, err := req.task()
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if h.scanner.Busy() {
		writeError(w, http.StatusConflict, engine.ErrBusy.Error())
		return
	}

	// Large scans outlive the server's write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("Could not clear write deadline", "error", err)
	}

	s, err := h.begin()
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	defer h.end(s)
	w.Header().Set("X-Scan-Id", s.id)

	var warnings []string
	var last engine.Progress
	cb := engine.Callbacks{
		OnWarning:  func(msg string) { warnings = append(warnings, msg) },
		OnProgress: func(p engine.Progress) { last = p },
	}
	cells, err := h.scanner.Calculate(r.Context(), tc, cb, s.ctl)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	resp := scanResponse{
		ID:        s.id,
		Cancelled: s.ctl.Cancelled() || r.Context().Err() != nil,
		Stats:     engine.Summarize(cells),
		Warnings:  warnings,
		Elapsed:   time.Since(s.started).Seconds(),
		Progress:  &last,
	}
	if req.IncludeCells {
		resp.Cells = cells
	}
	latStep, lonStep := grid.Steps(tc.Source)
	if latStep > 0 && lonStep > 0 {
		img, err := raster.Render(cells, latStep, lonStep, h.raster.MaxDimension)
		switch {
		case err == nil:
			resp.Image = img.DataURL()
			resp.Width, resp.Height = img.Width, img.Height
			resp.Bounds = &img.Bounds
			resp.Corners = &img.Corners
		case errors.Is(err, raster.ErrNoCells):
		default:
			slog.Warn("Failed to render scan", "id", s.id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCancel handles POST /api/scan/{id}/cancel.
func (h *ScanHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s := h.lookup(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, "no such scan")
		return
	}
	s.ctl.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": s.id, "status": "cancelling"})
}

// HandleStatus handles GET /api/scan/status.
func (h *ScanHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"busy": h.scanner.Busy()}
	h.mu.Lock()
	if s := h.active; s != nil {
		status["id"] = s.id
		status["paused"] = s.ctl.Paused()
		status["elapsedSeconds"] = time.Since(s.started).Seconds()
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, status)
}
