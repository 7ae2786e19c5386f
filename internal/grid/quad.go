package grid

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

const (
	childDelta = -1e-7
	// Mercator edges within this many metres of ±srs.MercatorExtent are the world edge and map
	// to ±90. It absorbs the float error of summing resolutions and stays below half a pixel
	// at the finest default level (about 0.15 m).
	poleSnap = 0.1
)

// QuadTile is one child tile of a hierarchical (KML) decomposition.
type QuadTile struct {
	Coord    model.TileCoord // public
	Internal model.TileCoord
	BBox     model.BBox // grid SRS, clipped to the grid
	GeoBBox  model.BBox // EPSG:4326
}

// QuadChildren returns the tiles on the next public level whose clipped lower-left corner
// lies inside the parent tile c (internal address). Each child belongs to exactly one parent.
// Addresses outside the grid have no children; errors come only from the CRS transform.
func (s *ServiceGrid) QuadChildren(c model.TileCoord) ([]QuadTile, error) {
	if !s.grid.Contains(c) {
		return nil, nil
	}
	next, ok := s.nextPublicLevel(c.Z)
	if !ok {
		return nil, nil
	}
	parent, err := s.grid.TileBBox(c, true)
	if err != nil {
		return nil, err
	}
	candidates, err := s.grid.AffectedLevelTiles(parent, next)
	if err != nil {
		return nil, err
	}

	out := make([]QuadTile, 0, len(candidates))
	for _, cc := range candidates {
		bb, err := s.grid.TileBBox(cc, true)
		if err != nil {
			return nil, err
		}
		if !cornerInside(bb, parent) {
			continue
		}
		ext, _ := s.ToExternal(cc, true)
		geo, err := s.geoBBox(bb)
		if err != nil {
			return nil, err
		}
		out = append(out, QuadTile{Coord: ext, Internal: cc, BBox: bb, GeoBBox: geo})
	}
	return out, nil
}

// Tile describes the internal tile c itself in the same terms as its children. ok is false
// when c is outside the grid.
func (s *ServiceGrid) Tile(c model.TileCoord) (t QuadTile, ok bool, err error) {
	if !s.grid.Contains(c) {
		return QuadTile{}, false, nil
	}
	bb, err := s.grid.TileBBox(c, true)
	if err != nil {
		return QuadTile{}, false, err
	}
	geo, err := s.geoBBox(bb)
	if err != nil {
		return QuadTile{}, false, err
	}
	ext, _ := s.ToExternal(c, true)
	return QuadTile{Coord: ext, Internal: c, BBox: bb, GeoBBox: geo}, true, nil
}

// half-open containment with tolerance: [min-δ, max-δ)
func cornerInside(child, parent model.BBox) bool {
	return child.X1-parent.X1 > childDelta && child.Y1-parent.Y1 > childDelta &&
		child.X1-parent.X2 < childDelta && child.Y1-parent.Y2 < childDelta
}

func (s *ServiceGrid) geoBBox(b model.BBox) (model.BBox, error) {
	const wgs84 = "EPSG:4326"
	if s.crs == nil {
		if s.grid.SRS == wgs84 {
			return b, nil
		}
		return model.BBox{}, fmt.Errorf("grid %s: no transformer for %s", s.grid.Name, s.grid.SRS)
	}
	geo, err := s.crs.Transform(b, s.grid.SRS, wgs84)
	if err != nil {
		return model.BBox{}, err
	}
	if isMercatorSRS(s.grid.SRS) {
		if math.Abs(b.Y1+srs.MercatorExtent) < poleSnap {
			geo.Y1 = -90
		}
		if math.Abs(b.Y2-srs.MercatorExtent) < poleSnap {
			geo.Y2 = 90
		}
	}
	return geo, nil
}
