// Package layer holds the published map layers built from the services file.
package layer

import (
	"fmt"
	"maps"
	"strings"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/source"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

// Transformer reprojects bboxes between CRSs.
type Transformer interface {
	Transform(b model.BBox, from, to string) (model.BBox, error)
}

// Layer is one published layer: upstream sources stacked bottom to top, served on one or more
// tile grids.
type Layer struct {
	Name    string
	Title   string
	Sources []source.Source
	Grids   []*grid.TileGrid
	Format  imaging.Format

	extent       model.BBox // SRID is the extent CRS
	nominalScale float64
	dimensions   map[string]string
	crs          Transformer
}

// ExtentIn returns the layer extent in crs. Without a configured extent the bbox of the first
// grid is used.
func (l *Layer) ExtentIn(crs string) (model.BBox, error) {
	if srs.Normalize(crs) == srs.Normalize(l.extent.SRID) {
		out := l.extent
		out.SRID = crs
		return out, nil
	}
	out, err := l.crs.Transform(l.extent, l.extent.SRID, crs)
	if err != nil {
		return model.BBox{}, fmt.Errorf("layer %s: %w", l.Name, err)
	}
	out.SRID = crs
	return out, nil
}

// NominalScale is the configured scale denominator, if any.
func (l *Layer) NominalScale() (float64, bool) {
	return l.nominalScale, l.nominalScale > 0
}

// Grid returns the layer's grid called name.
func (l *Layer) Grid(name string) (*grid.TileGrid, bool) {
	for _, g := range l.Grids {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// GridForCRS returns the first grid of the layer in crs.
func (l *Layer) GridForCRS(crs string) (*grid.TileGrid, bool) {
	want := srs.Normalize(crs)
	for _, g := range l.Grids {
		if g.SRS == want {
			return g, true
		}
	}
	return nil, false
}

// Dimensions merges the request values over the layer defaults. The result is a new map.
func (l *Layer) Dimensions(request map[string]string) map[string]string {
	if len(l.dimensions) == 0 && len(request) == 0 {
		return nil
	}
	out := maps.Clone(l.dimensions)
	if out == nil {
		out = make(map[string]string, len(request))
	}
	maps.Copy(out, request)
	return out
}

// Stack returns one layer drawing the sources of ls bottom to top. Extent, scale, grids and
// format come from the first layer; dimension defaults of later layers win.
func Stack(ls ...*Layer) *Layer {
	if len(ls) == 1 {
		return ls[0]
	}
	out := *ls[0]
	names := make([]string, len(ls))
	out.Sources = nil
	out.dimensions = nil
	for i, l := range ls {
		names[i] = l.Name
		out.Sources = append(out.Sources, l.Sources...)
		if len(l.dimensions) > 0 {
			if out.dimensions == nil {
				out.dimensions = make(map[string]string)
			}
			maps.Copy(out.dimensions, l.dimensions)
		}
	}
	out.Name = strings.Join(names, ",")
	out.Title = out.Name
	return &out
}
