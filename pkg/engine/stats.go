package engine

import "sightline/pkg/terrain"

// Stats aggregates a scan's cells. No-data cells are counted apart from blocked ones.
type Stats struct {
	Total          int64   `json:"total"`
	Clear          int64   `json:"clear"`
	Blocked        int64   `json:"blocked"`
	NoData         int64   `json:"noData"`
	FresnelClear   int64   `json:"fresnelClear"`
	FresnelBlocked int64   `json:"fresnelBlocked"`
	ClearPercent   float64 `json:"clearPercent"`
}

// Add folds cells into s.
func (s *Stats) Add(cells []terrain.Cell) {
	for _, c := range cells {
		s.Total++
		switch {
		case c.Clear == nil:
			s.NoData++
		case *c.Clear:
			s.Clear++
		default:
			s.Blocked++
		}
		if c.FresnelClear != nil {
			if *c.FresnelClear {
				s.FresnelClear++
			} else {
				s.FresnelBlocked++
			}
		}
	}
	if resolved := s.Clear + s.Blocked; resolved > 0 {
		s.ClearPercent = 100 * float64(s.Clear) / float64(resolved)
	}
}

// Summarize counts clear, blocked and no-data cells.
func Summarize(cells []terrain.Cell) Stats {
	var s Stats
	s.Add(cells)
	return s
}
