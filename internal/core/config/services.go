package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// grids that exist without being configured
var BuiltinGrids = []string{"GLOBAL_MERCATOR", "GLOBAL_WEBMERCATOR", "GLOBAL_GEODETIC"}

// Services is the YAML description of grids, upstream sources and published layers.
type Services struct {
	Grids   map[string]*GridSpec   `yaml:"grids" validate:"dive"`
	Sources map[string]*SourceSpec `yaml:"sources" validate:"required,min=1,dive"`
	Layers  []*LayerSpec           `yaml:"layers" validate:"required,min=1,dive"`
}

type GridSpec struct {
	SRS         string    `yaml:"srs" validate:"required"`
	BBox        []float64 `yaml:"bbox" validate:"required,len=4"`
	Origin      string    `yaml:"origin" default:"ll" validate:"oneof=ll ul sw nw"`
	TileSize    []int     `yaml:"tile_size" default:"[256,256]" validate:"len=2,dive,gt=0"`
	Resolutions []float64 `yaml:"res" validate:"omitempty,dive,gt=0"`
	NumLevels   int       `yaml:"num_levels" default:"20" validate:"gt=0,lte=40"`
	// a number or "sqrt2"
	ResFactor string `yaml:"res_factor" default:"2"`
}

func (g *GridSpec) UnmarshalYAML(n *yaml.Node) error {
	if err := defaults.Set(g); err != nil {
		return err
	}
	type plain GridSpec
	return n.Decode((*plain)(g))
}

// Factor parses ResFactor.
func (g *GridSpec) Factor() (float64, error) {
	s := strings.ToLower(strings.TrimSpace(g.ResFactor))
	if s == "sqrt2" {
		return math.Sqrt2, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !(f > 1) {
		return 0, fmt.Errorf("res_factor %q must be > 1 or sqrt2", g.ResFactor)
	}
	return f, nil
}

// LevelResolutions returns the explicit resolutions, or derives num_levels resolutions from
// the bbox (one tile at level 0) and res_factor.
func (g *GridSpec) LevelResolutions() ([]float64, error) {
	if len(g.Resolutions) > 0 {
		return g.Resolutions, nil
	}
	f, err := g.Factor()
	if err != nil {
		return nil, err
	}
	w, h := g.BBox[2]-g.BBox[0], g.BBox[3]-g.BBox[1]
	r := math.Max(w/float64(g.TileSize[0]), h/float64(g.TileSize[1]))
	out := make([]float64, g.NumLevels)
	for i := range out {
		out[i] = r
		r /= f
	}
	return out, nil
}

type SourceSpec struct {
	Type        string            `yaml:"type" default:"wms" validate:"oneof=wms"`
	URL         string            `yaml:"url" validate:"required,url"`
	Layers      []string          `yaml:"layers" validate:"required,min=1"`
	Styles      []string          `yaml:"styles"`
	Version     string            `yaml:"version" default:"1.1.1" validate:"oneof=1.1.1 1.3.0"`
	Format      string            `yaml:"format" default:"image/png" validate:"oneof=image/png image/jpeg image/webp"`
	Transparent bool              `yaml:"transparent"`
	Timeout     time.Duration     `yaml:"timeout" default:"15s" validate:"gt=0"`
	Headers     map[string]string `yaml:"headers"`
	// forwarded as upstream parameters (e.g. TIME, ELEVATION)
	ForwardDimensions []string `yaml:"forward_dimensions"`
}

func (s *SourceSpec) UnmarshalYAML(n *yaml.Node) error {
	if err := defaults.Set(s); err != nil {
		return err
	}
	type plain SourceSpec
	return n.Decode((*plain)(s))
}

type ExtentSpec struct {
	SRS  string    `yaml:"srs" default:"EPSG:4326"`
	BBox []float64 `yaml:"bbox" validate:"required,len=4"`
}

func (e *ExtentSpec) UnmarshalYAML(n *yaml.Node) error {
	if err := defaults.Set(e); err != nil {
		return err
	}
	type plain ExtentSpec
	return n.Decode((*plain)(e))
}

type LayerSpec struct {
	Name    string      `yaml:"name" validate:"required"`
	Title   string      `yaml:"title"`
	Sources []string    `yaml:"sources" validate:"required,min=1"`
	Grids   []string    `yaml:"grids" default:"[\"GLOBAL_WEBMERCATOR\"]" validate:"min=1"`
	Extent  *ExtentSpec `yaml:"extent"`
	// scale denominator used when a map request carries neither bbox nor scale
	NominalScale float64           `yaml:"nominal_scale" validate:"gte=0"`
	Format       string            `yaml:"format" default:"image/png" validate:"oneof=image/png image/jpeg image/webp"`
	Dimensions   map[string]string `yaml:"dimensions"`
}

func (l *LayerSpec) UnmarshalYAML(n *yaml.Node) error {
	if err := defaults.Set(l); err != nil {
		return err
	}
	type plain LayerSpec
	return n.Decode((*plain)(l))
}

// LoadServices reads and validates the services file at path.
func LoadServices(path string) (*Services, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services config: %w", err)
	}
	svc, err := ParseServices(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return svc, nil
}

func ParseServices(data []byte) (*Services, error) {
	var svc Services
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&svc); err != nil {
		return nil, fmt.Errorf("decode services config: %w", err)
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return &svc, nil
}

// Validate checks field constraints and cross references between layers, sources and grids.
func (s *Services) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid services config: %w", err)
	}

	var errs []error
	for name, g := range s.Grids {
		if g.BBox[2] <= g.BBox[0] || g.BBox[3] <= g.BBox[1] {
			errs = append(errs, fmt.Errorf("grid %s: bbox must satisfy maxx>minx and maxy>miny", name))
		}
		if len(g.Resolutions) == 0 {
			if _, err := g.Factor(); err != nil {
				errs = append(errs, fmt.Errorf("grid %s: %w", name, err))
			}
		}
	}

	seen := make(map[string]bool, len(s.Layers))
	for _, l := range s.Layers {
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("layer %s: duplicate name", l.Name))
		}
		seen[l.Name] = true
		for _, src := range l.Sources {
			if _, ok := s.Sources[src]; !ok {
				errs = append(errs, fmt.Errorf("layer %s: unknown source %q", l.Name, src))
			}
		}
		for _, g := range l.Grids {
			if !s.HasGrid(g) {
				errs = append(errs, fmt.Errorf("layer %s: unknown grid %q", l.Name, g))
			}
		}
		if l.Extent != nil && (l.Extent.BBox[2] <= l.Extent.BBox[0] || l.Extent.BBox[3] <= l.Extent.BBox[1]) {
			errs = append(errs, fmt.Errorf("layer %s: extent bbox is empty", l.Name))
		}
	}
	return errors.Join(errs...)
}

// HasGrid reports whether name is configured or built in.
func (s *Services) HasGrid(name string) bool {
	if _, ok := s.Grids[name]; ok {
		return true
	}
	for _, b := range BuiltinGrids {
		if b == name {
			return true
		}
	}
	return false
}
