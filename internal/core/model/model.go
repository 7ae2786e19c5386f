// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"maps"

	"github.com/paulmach/orb"
)

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching wms bbox format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Center() orb.Point {
	return orb.Point{(b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2}
}

// Valid reports whether max > min on both axes.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
}

func FromBound(bd orb.Bound, srid string) BBox {
	return BBox{X1: bd.Min[0], Y1: bd.Min[1], X2: bd.Max[0], Y2: bd.Max[1], SRID: srid}
}

// Size is an image size in pixels.
type Size struct {
	Width, Height int
}

// MapQuery is the canonical rendering request every protocol resolves to.
type MapQuery struct {
	BBox        BBox
	Size        Size
	CRS         string
	Format      string
	Transparent bool
	Dimensions  map[string]string
}

// WithFormat returns a copy of q with format/transparency set. Dimensions are copied so the
// result shares no mutable state with q.
func (q MapQuery) WithFormat(format string, transparent bool) MapQuery {
	out := q
	out.Format = format
	out.Transparent = transparent
	if q.Dimensions != nil {
		out.Dimensions = maps.Clone(q.Dimensions)
	}
	return out
}

// TileCoord addresses one tile: column, row and level.
type TileCoord struct {
	X, Y, Z int
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}
