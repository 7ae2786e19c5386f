package layer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/source"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

var ErrUnknownLayer = errors.New("unknown layer")

// Registry is the read-only set of layers and grids. ServiceGrid derivations are memoized.
type Registry struct {
	layers   map[string]*Layer
	order    []string
	grids    map[string]*grid.TileGrid
	profiles *grid.ProfileCache
}

// BuiltinGrid returns a predefined world grid, or nil for other names.
func BuiltinGrid(name string) *grid.TileGrid {
	switch name {
	case "GLOBAL_MERCATOR":
		return grid.NewGlobalMercator()
	case "GLOBAL_WEBMERCATOR":
		return grid.NewGlobalWebMercator()
	case "GLOBAL_GEODETIC":
		return grid.NewGlobalGeodetic()
	}
	return nil
}

// Build creates grids, WMS sources and layers from svc.
func Build(logger *slog.Logger, svc *config.Services, client *http.Client, crs *srs.Provider) (*Registry, error) {
	profiles, err := grid.NewProfileCache(crs, len(svc.Grids)+len(config.BuiltinGrids))
	if err != nil {
		return nil, err
	}
	r := &Registry{
		layers:   make(map[string]*Layer, len(svc.Layers)),
		grids:    make(map[string]*grid.TileGrid),
		profiles: profiles,
	}

	for _, name := range config.BuiltinGrids {
		r.grids[name] = BuiltinGrid(name)
	}
	names := make([]string, 0, len(svc.Grids))
	for name := range svc.Grids {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		g, err := buildGrid(name, svc.Grids[name])
		if err != nil {
			return nil, err
		}
		r.grids[name] = g
	}

	sources := make(map[string]source.Source, len(svc.Sources))
	for name, spec := range svc.Sources {
		w, err := source.NewWMS(logger, client, name, *spec, crs)
		if err != nil {
			return nil, err
		}
		sources[name] = w
	}

	for _, spec := range svc.Layers {
		l, err := r.buildLayer(spec, sources, crs)
		if err != nil {
			return nil, err
		}
		r.layers[l.Name] = l
		r.order = append(r.order, l.Name)
	}
	return r, nil
}

func buildGrid(name string, spec *config.GridSpec) (*grid.TileGrid, error) {
	origin, err := grid.ParseOrigin(spec.Origin)
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", name, err)
	}
	res, err := spec.LevelResolutions()
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", name, err)
	}
	bbox := model.BBox{X1: spec.BBox[0], Y1: spec.BBox[1], X2: spec.BBox[2], Y2: spec.BBox[3]}
	return grid.New(name, spec.SRS, bbox, origin, [2]int{spec.TileSize[0], spec.TileSize[1]}, res)
}

func (r *Registry) buildLayer(spec *config.LayerSpec, sources map[string]source.Source, crs Transformer) (*Layer, error) {
	format, err := imaging.ParseFormat(spec.Format)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
	}
	l := &Layer{
		Name:         spec.Name,
		Title:        spec.Title,
		Format:       format,
		nominalScale: spec.NominalScale,
		dimensions:   spec.Dimensions,
		crs:          crs,
	}
	if l.Title == "" {
		l.Title = spec.Name
	}
	for _, name := range spec.Sources {
		src, ok := sources[name]
		if !ok {
			return nil, fmt.Errorf("layer %s: unknown source %q", spec.Name, name)
		}
		l.Sources = append(l.Sources, src)
	}
	for _, name := range spec.Grids {
		g, ok := r.grids[name]
		if !ok {
			return nil, fmt.Errorf("layer %s: unknown grid %q", spec.Name, name)
		}
		l.Grids = append(l.Grids, g)
	}
	if spec.Extent != nil {
		e := spec.Extent
		l.extent = model.BBox{X1: e.BBox[0], Y1: e.BBox[1], X2: e.BBox[2], Y2: e.BBox[3], SRID: srs.Normalize(e.SRS)}
	} else {
		l.extent = l.Grids[0].BBox
	}
	return l, nil
}

// Layer looks a layer up by name.
func (r *Registry) Layer(name string) (*Layer, error) {
	l, ok := r.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return l, nil
}

// Layers returns all layers in configuration order.
func (r *Registry) Layers() []*Layer {
	out := make([]*Layer, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.layers[n])
	}
	return out
}

func (r *Registry) Grid(name string) (*grid.TileGrid, bool) {
	g, ok := r.grids[name]
	return g, ok
}

// GridNames returns the names of all known grids, sorted.
func (r *Registry) GridNames() []string {
	out := make([]string, 0, len(r.grids))
	for n := range r.grids {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// ServiceGrid returns the profile-aware view of g.
func (r *Registry) ServiceGrid(g *grid.TileGrid) *grid.ServiceGrid {
	return r.profiles.Get(g)
}
