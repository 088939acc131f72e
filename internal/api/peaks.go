package api

import (
	"errors"
	"net/http"

	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/peaks"
)

// PeaksHandler serves peak searches.
type PeaksHandler struct {
	loader   peaks.Loader
	defaults peaks.Options
}

// NewPeaksHandler creates a new handler. Request fields left at zero take defaults.
func NewPeaksHandler(l peaks.Loader, defaults peaks.Options) *PeaksHandler {
	return &PeaksHandler{loader: l, defaults: defaults}
}

type peaksRequest struct {
	Bounds        geo.Bounds `json:"bounds"`
	Resolution    float64    `json:"resolution,omitempty"`
	H3Resolution  *int       `json:"h3Resolution,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	MinProminence *float64   `json:"minProminence,omitempty"`
	Zoom          int        `json:"zoom,omitempty"`
}

func (h *PeaksHandler) options(req peaksRequest) peaks.Options {
	o := h.defaults
	if req.Resolution > 0 {
		o.Resolution = req.Resolution
	}
	if req.H3Resolution != nil {
		o.H3Resolution = *req.H3Resolution
	}
	if req.Limit > 0 {
		o.Limit = req.Limit
	}
	if req.MinProminence != nil {
		o.MinProminence = *req.MinProminence
	}
	if req.Zoom > 0 {
		o.Zoom = req.Zoom
	}
	return o
}

// HandlePeaks handles POST /api/peaks. ?format=geojson returns a FeatureCollection.
func (h *PeaksHandler) HandlePeaks(w http.ResponseWriter, r *http.Request) {
	var req peaksRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	found, err := peaks.Find(r.Context(), h.loader, req.Bounds, h.options(req))
	switch {
	case err == nil:
	case errors.Is(err, peaks.ErrInvalidBounds):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, peaks.ErrTooManySamples), errors.Is(err, engine.ErrRegionTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "geojson" {
		writeJSON(w, http.StatusOK, peaks.FeatureCollection(found))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peaks": found})
}
