package grid

import (
	"math"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
)

// Profile classifies the public addressing quirks of a grid.
type Profile string

const (
	ProfileGlobalMercator Profile = "global-mercator"
	ProfileGlobalGeodetic Profile = "global-geodetic"
	ProfileLocal          Profile = "local"
)

// DetectProfile matches the grid against the two default world grids. Anything else is local.
func DetectProfile(g *TileGrid) Profile {
	switch {
	case isMercatorSRS(g.SRS) && sameExtent(g.BBox, mercatorWorld):
		return ProfileGlobalMercator
	case g.SRS == "EPSG:4326" && sameExtent(g.BBox, geodeticWorld):
		return ProfileGlobalGeodetic
	default:
		return ProfileLocal
	}
}

func isMercatorSRS(code string) bool {
	return code == "EPSG:900913" || code == "EPSG:3857"
}

func sameExtent(a, b model.BBox) bool {
	return a.X1 == b.X1 && a.Y1 == b.Y1 && a.X2 == b.X2 && a.Y2 == b.Y2
}

// subdividesBySqrt2 reports whether level 1 is level 0 divided by sqrt(2). Such grids only
// expose every second level publicly.
func subdividesBySqrt2(g *TileGrid) bool {
	if g.Levels() < 2 {
		return false
	}
	ratio := g.Resolutions[0] / g.Resolutions[1]
	return math.Abs(ratio-math.Sqrt2) <= 1e-9*math.Sqrt2
}
