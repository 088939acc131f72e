package api

import (
	"context"
	"net/http"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"sightline/pkg/geo"
	"sightline/pkg/terrain"
)

// PairEvaluator runs single-pair analyses. *engine.Engine satisfies it.
type PairEvaluator interface {
	LOS(ctx context.Context, origin, target geo.Station, freqMHz float64) (terrain.LOSResult, error)
}

// LOSHandler serves single-pair line-of-sight requests.
type LOSHandler struct {
	eval PairEvaluator
}

// NewLOSHandler creates a new handler.
func NewLOSHandler(eval PairEvaluator) *LOSHandler {
	return &LOSHandler{eval: eval}
}

type losRequest struct {
	Origin       geo.Station `json:"origin"`
	Target       geo.Station `json:"target"`
	FrequencyMHz float64     `json:"frequencyMHz"`
}

func (r losRequest) validate() string {
	for _, s := range []geo.Station{r.Origin, r.Target} {
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return "coordinates out of range"
		}
		if s.Height < 0 {
			return "heights must not be negative"
		}
	}
	return ""
}

// HandleLOS handles POST /api/los. ?format=geojson returns the profile as a
// LineString feature with the obstruction as a point.
func (h *LOSHandler) HandleLOS(w http.ResponseWriter, r *http.Request) {
	var req losRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := h.eval.LOS(r.Context(), req.Origin, req.Target, req.FrequencyMHz)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "geojson" {
		writeJSON(w, http.StatusOK, profileFeatures(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// profileFeatures exports a profile for map overlays.
func profileFeatures(res terrain.LOSResult) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	line := make(orb.LineString, 0, len(res.Profile))
	for _, p := range res.Profile {
		line = append(line, orb.Point{p.Lon, p.Lat})
	}
	f := geojson.NewFeature(line)
	f.Properties["clear"] = res.Clear
	f.Properties["distance"] = res.TotalDistance
	f.Properties["bearing"] = res.Bearing
	f.Properties["minClearance"] = res.MinClearance
	f.Properties["confidence"] = string(res.Confidence)
	if res.FresnelClear != nil {
		f.Properties["fresnelClear"] = *res.FresnelClear
	}
	fc.Append(f)

	if o := res.Obstruction; o != nil {
		pf := geojson.NewFeature(orb.Point{o.Lon, o.Lat})
		pf.Properties["kind"] = "obstruction"
		pf.Properties["elevation"] = o.Elevation
		pf.Properties["clearance"] = o.Clearance
		fc.Append(pf)
	}
	return fc
}
