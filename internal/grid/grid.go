// Package grid describes tile grids and maps between the public tile addressing of the tile
// protocols and the internal, zero-based level/row/column addressing of the grid.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

// Origin is the corner tile (0,0) sits in.
type Origin int

const (
	OriginLowerLeft Origin = iota
	OriginUpperLeft
)

func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ll", "sw", "lower-left", "bottomleft":
		return OriginLowerLeft, nil
	case "ul", "nw", "upper-left", "topleft":
		return OriginUpperLeft, nil
	}
	return 0, fmt.Errorf("unknown grid origin %q", s)
}

func (o Origin) String() string {
	if o == OriginUpperLeft {
		return "ul"
	}
	return "ll"
}

const (
	DefaultTileSize = 256
	DefaultLevels   = 20
)

// tolerance in tile units against floating point noise at tile edges
const tileEps = 1e-7

// TileGrid is the read-only geometry of one tile grid. Index into Resolutions is the internal
// level.
type TileGrid struct {
	Name        string
	SRS         string
	BBox        model.BBox
	Origin      Origin
	TileSize    [2]int
	Resolutions []float64

	sizes [][2]int
}

// New validates the geometry and precomputes the per-level grid sizes.
func New(name, srsCode string, bbox model.BBox, origin Origin, tileSize [2]int, resolutions []float64) (*TileGrid, error) {
	if !bbox.Valid() {
		return nil, fmt.Errorf("grid %s: bbox %s must satisfy maxx>minx and maxy>miny", name, bbox)
	}
	if tileSize[0] <= 0 || tileSize[1] <= 0 {
		return nil, fmt.Errorf("grid %s: tile size %v must be positive", name, tileSize)
	}
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("grid %s: at least one resolution is required", name)
	}
	for i, r := range resolutions {
		if !(r > 0) || math.IsInf(r, 0) {
			return nil, fmt.Errorf("grid %s: resolution %d (%v) must be > 0", name, i, r)
		}
		if i > 0 && !(r < resolutions[i-1]) {
			return nil, fmt.Errorf("grid %s: resolutions must be strictly decreasing (level %d)", name, i)
		}
	}
	g := &TileGrid{
		Name:        name,
		SRS:         srs.Normalize(srsCode),
		BBox:        bbox,
		Origin:      origin,
		TileSize:    tileSize,
		Resolutions: append([]float64(nil), resolutions...),
	}
	g.BBox.SRID = g.SRS
	g.sizes = make([][2]int, len(resolutions))
	for i, r := range g.Resolutions {
		g.sizes[i] = [2]int{
			tileCount(bbox.Width(), r*float64(tileSize[0])),
			tileCount(bbox.Height(), r*float64(tileSize[1])),
		}
	}
	return g, nil
}

func tileCount(extent, tileExtent float64) int {
	n := int(math.Ceil(extent/tileExtent - 1e-6))
	if n < 1 {
		return 1
	}
	return n
}

// ResolutionsFromFactor builds n resolutions starting at res0, each divided by factor.
func ResolutionsFromFactor(res0, factor float64, n int) []float64 {
	out := make([]float64, n)
	r := res0
	for i := range out {
		out[i] = r
		r /= factor
	}
	return out
}

var (
	mercatorWorld = model.BBox{X1: -srs.MercatorExtent, Y1: -srs.MercatorExtent, X2: srs.MercatorExtent, Y2: srs.MercatorExtent}
	geodeticWorld = model.BBox{X1: -180, Y1: -90, X2: 180, Y2: 90}
)

// NewGlobalMercator is the EPSG:900913 world grid with lower-left origin.
func NewGlobalMercator() *TileGrid {
	g, _ := New("GLOBAL_MERCATOR", "EPSG:900913", mercatorWorld, OriginLowerLeft,
		[2]int{DefaultTileSize, DefaultTileSize},
		ResolutionsFromFactor(2*srs.MercatorExtent/DefaultTileSize, 2, DefaultLevels))
	return g
}

// NewGlobalWebMercator is the EPSG:3857 world grid with upper-left origin (OSM/Google).
func NewGlobalWebMercator() *TileGrid {
	g, _ := New("GLOBAL_WEBMERCATOR", "EPSG:3857", mercatorWorld, OriginUpperLeft,
		[2]int{DefaultTileSize, DefaultTileSize},
		ResolutionsFromFactor(2*srs.MercatorExtent/DefaultTileSize, 2, DefaultLevels))
	return g
}

// NewGlobalGeodetic is the EPSG:4326 world grid; level 0 is a single, half empty tile.
func NewGlobalGeodetic() *TileGrid {
	g, _ := New("GLOBAL_GEODETIC", "EPSG:4326", geodeticWorld, OriginLowerLeft,
		[2]int{DefaultTileSize, DefaultTileSize},
		ResolutionsFromFactor(1.40625, 2, DefaultLevels))
	return g
}

func (g *TileGrid) Levels() int { return len(g.Resolutions) }

func (g *TileGrid) Resolution(level int) float64 { return g.Resolutions[level] }

// GridSize returns the number of columns and rows at level; ok is false for unknown levels.
func (g *TileGrid) GridSize(level int) (cols, rows int, ok bool) {
	if level < 0 || level >= len(g.sizes) {
		return 0, 0, false
	}
	return g.sizes[level][0], g.sizes[level][1], true
}

func (g *TileGrid) tileExtent(level int) (w, h float64) {
	r := g.Resolutions[level]
	return r * float64(g.TileSize[0]), r * float64(g.TileSize[1])
}

// Limit clamps column and row into the grid. Levels outside the grid have no valid tile.
func (g *TileGrid) Limit(c model.TileCoord) (model.TileCoord, bool) {
	cols, rows, ok := g.GridSize(c.Z)
	if !ok {
		return model.TileCoord{}, false
	}
	c.X = clamp(c.X, 0, cols-1)
	c.Y = clamp(c.Y, 0, rows-1)
	return c, true
}

// Contains reports whether c addresses an existing tile without clamping.
func (g *TileGrid) Contains(c model.TileCoord) bool {
	cols, rows, ok := g.GridSize(c.Z)
	return ok && c.X >= 0 && c.Y >= 0 && c.X < cols && c.Y < rows
}

// FlipY converts a row between lower-left and upper-left numbering at the level of c.
func (g *TileGrid) FlipY(c model.TileCoord) model.TileCoord {
	_, rows, ok := g.GridSize(c.Z)
	if !ok {
		return c
	}
	c.Y = rows - 1 - c.Y
	return c
}

// TileBBox returns the bbox of c in the grid SRS. With limit the bbox is clipped to the grid
// bbox (partial edge tiles).
func (g *TileGrid) TileBBox(c model.TileCoord, limit bool) (model.BBox, error) {
	if c.Z < 0 || c.Z >= g.Levels() {
		return model.BBox{}, fmt.Errorf("grid %s: level %d out of range", g.Name, c.Z)
	}
	tw, th := g.tileExtent(c.Z)
	b := model.BBox{SRID: g.SRS}
	b.X1 = g.BBox.X1 + float64(c.X)*tw
	b.X2 = b.X1 + tw
	switch g.Origin {
	case OriginUpperLeft:
		b.Y2 = g.BBox.Y2 - float64(c.Y)*th
		b.Y1 = b.Y2 - th
	default:
		b.Y1 = g.BBox.Y1 + float64(c.Y)*th
		b.Y2 = b.Y1 + th
	}
	if limit {
		b.X1 = math.Max(b.X1, g.BBox.X1)
		b.Y1 = math.Max(b.Y1, g.BBox.Y1)
		b.X2 = math.Min(b.X2, g.BBox.X2)
		b.Y2 = math.Min(b.Y2, g.BBox.Y2)
	}
	return b, nil
}

var ErrNoIntersection = errors.New("bbox does not intersect grid")

// AffectedLevelTiles returns the tiles at level intersecting b (in the grid SRS), row-major
// in internal numbering.
func (g *TileGrid) AffectedLevelTiles(b model.BBox, level int) ([]model.TileCoord, error) {
	cols, rows, ok := g.GridSize(level)
	if !ok {
		return nil, fmt.Errorf("grid %s: level %d out of range", g.Name, level)
	}
	if b.X2 <= g.BBox.X1 || b.X1 >= g.BBox.X2 || b.Y2 <= g.BBox.Y1 || b.Y1 >= g.BBox.Y2 {
		return nil, ErrNoIntersection
	}
	tw, th := g.tileExtent(level)

	x0 := int(math.Floor((b.X1-g.BBox.X1)/tw + tileEps))
	x1 := int(math.Ceil((b.X2-g.BBox.X1)/tw-tileEps)) - 1
	var y0, y1 int
	switch g.Origin {
	case OriginUpperLeft:
		y0 = int(math.Floor((g.BBox.Y2-b.Y2)/th + tileEps))
		y1 = int(math.Ceil((g.BBox.Y2-b.Y1)/th-tileEps)) - 1
	default:
		y0 = int(math.Floor((b.Y1-g.BBox.Y1)/th + tileEps))
		y1 = int(math.Ceil((b.Y2-g.BBox.Y1)/th-tileEps)) - 1
	}
	x0, x1 = clamp(x0, 0, cols-1), clamp(x1, 0, cols-1)
	y0, y1 = clamp(y0, 0, rows-1), clamp(y1, 0, rows-1)
	if x1 < x0 || y1 < y0 {
		return nil, ErrNoIntersection
	}

	out := make([]model.TileCoord, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, model.TileCoord{X: x, Y: y, Z: level})
		}
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClosestLevel returns the level whose resolution is nearest to res on a logarithmic scale.
func (g *TileGrid) ClosestLevel(res float64) int {
	best, bestDiff := 0, math.Inf(1)
	for i, r := range g.Resolutions {
		if d := math.Abs(math.Log(r / res)); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}
