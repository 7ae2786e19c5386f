package invalidation

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache/keys"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
)

// ErrTooManyTiles marks a region covering more tiles than the mapper enumerates; callers purge
// the whole layer instead.
var ErrTooManyTiles = errors.New("region covers too many tiles")

// Layers looks up published layers; *layer.Registry implements it.
type Layers interface {
	Layer(name string) (*layer.Layer, error)
}

type Transformer interface {
	Transform(b model.BBox, from, to string) (model.BBox, error)
}

// Mapper finds the cached tiles of a layer affected by a changed region.
type Mapper struct {
	layers   Layers
	crs      Transformer
	maxTiles int
}

const DefaultMaxTiles = 100_000

func NewMapper(layers Layers, crs Transformer, maxTiles int) *Mapper {
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}
	return &Mapper{layers: layers, crs: crs, maxTiles: maxTiles}
}

func (m *Mapper) HasLayer(name string) bool {
	_, err := m.layers.Layer(name)
	return err == nil
}

// TileKeys returns the cache key of every tile of the layer intersecting region, on every grid
// and level of the layer.
func (m *Mapper) TileKeys(layerName string, region model.BBox) ([]string, error) {
	l, err := m.layers.Layer(layerName)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, g := range l.Grids {
		bb, err := m.crs.Transform(region, region.SRID, g.SRS)
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", g.Name, err)
		}
		for z := range g.Levels() {
			tiles, err := g.AffectedLevelTiles(bb, z)
			if errors.Is(err, grid.ErrNoIntersection) {
				break
			}
			if err != nil {
				return nil, err
			}
			if len(out)+len(tiles) > m.maxTiles {
				return nil, fmt.Errorf("%w: layer %s beyond %d tiles at %s level %d",
					ErrTooManyTiles, layerName, m.maxTiles, g.Name, z)
			}
			out = append(out, keys.Tiles(l.Name, g.Name, tiles)...)
		}
	}
	return out, nil
}
