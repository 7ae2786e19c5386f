package grid

import (
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
)

// Transformer reprojects bboxes; *srs.Provider satisfies it.
type Transformer interface {
	Transform(b model.BBox, from, to string) (model.BBox, error)
}

// ServiceGrid wraps a TileGrid with its profile and exposes public (profile aware) tile
// addressing. It is immutable and safe for concurrent use.
type ServiceGrid struct {
	grid           *TileGrid
	profile        Profile
	skipFirstLevel bool
	skipOddLevel   bool
	crs            Transformer
}

// NewServiceGrid derives the profile of g. crs may be nil when QuadChildren is not used.
func NewServiceGrid(g *TileGrid, crs Transformer) *ServiceGrid {
	p := DetectProfile(g)
	return &ServiceGrid{
		grid:           g,
		profile:        p,
		skipFirstLevel: p == ProfileGlobalMercator || p == ProfileGlobalGeodetic,
		skipOddLevel:   subdividesBySqrt2(g),
		crs:            crs,
	}
}

func (s *ServiceGrid) Grid() *TileGrid      { return s.grid }
func (s *ServiceGrid) Profile() Profile     { return s.profile }
func (s *ServiceGrid) SkipFirstLevel() bool { return s.skipFirstLevel }
func (s *ServiceGrid) SkipOddLevel() bool   { return s.skipOddLevel }

// InternalLevel maps a public level to the grid level.
func (s *ServiceGrid) InternalLevel(n int) int {
	l := n
	if s.skipFirstLevel {
		l++
		if s.skipOddLevel {
			l++
		}
	}
	if s.skipOddLevel {
		l *= 2
	}
	return l
}

// ExternalLevel maps a grid level to the public level. Hidden levels map to a public level
// whose InternalLevel differs from the input.
func (s *ServiceGrid) ExternalLevel(n int) int {
	l := n
	if s.skipOddLevel {
		l /= 2
		if s.skipFirstLevel {
			l--
		}
	}
	if s.skipFirstLevel {
		l--
	}
	return l
}

// ToInternal resolves a public address. ok is false for negative or unknown levels; column
// and row are clamped into the grid.
func (s *ServiceGrid) ToInternal(c model.TileCoord, useProfiles bool) (model.TileCoord, bool) {
	if c.Z < 0 {
		return model.TileCoord{}, false
	}
	if useProfiles {
		c.Z = s.InternalLevel(c.Z)
	}
	return s.grid.Limit(c)
}

// ToExternal is the inverse of ToInternal for addresses inside the grid. Grid levels without a
// public level are rejected.
func (s *ServiceGrid) ToExternal(c model.TileCoord, useProfiles bool) (model.TileCoord, bool) {
	if c.Z < 0 || c.Z >= s.grid.Levels() {
		return model.TileCoord{}, false
	}
	if !useProfiles {
		return c, true
	}
	n := s.ExternalLevel(c.Z)
	if n < 0 || s.InternalLevel(n) != c.Z {
		return model.TileCoord{}, false
	}
	c.Z = n
	return c, true
}

// LevelInfo describes one public level.
type LevelInfo struct {
	Order         int
	InternalLevel int
	Resolution    float64
	Cols, Rows    int
}

// PublicLevels lists the public levels in order.
func (s *ServiceGrid) PublicLevels() []LevelInfo {
	var out []LevelInfo
	for n := 0; ; n++ {
		z := s.InternalLevel(n)
		if z >= s.grid.Levels() {
			return out
		}
		cols, rows, _ := s.grid.GridSize(z)
		out = append(out, LevelInfo{
			Order:         n,
			InternalLevel: z,
			Resolution:    s.grid.Resolution(z),
			Cols:          cols,
			Rows:          rows,
		})
	}
}

// nextPublicLevel is the first grid level below z that has a public address.
func (s *ServiceGrid) nextPublicLevel(z int) (int, bool) {
	n := s.ExternalLevel(z)
	if s.InternalLevel(n) != z {
		return 0, false
	}
	next := s.InternalLevel(n + 1)
	return next, next < s.grid.Levels()
}
