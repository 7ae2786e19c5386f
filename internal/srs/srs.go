// Package srs classifies spatial reference systems and transforms coordinates between them.
//
// Only the systems a tile proxy needs out of the box are known: WGS84 geographic (with its
// common aliases) and spherical web mercator. Transformations between the two use orb/project.
package srs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
)

const (
	WGS84SemiMajor = 6378137.0

	// MercatorMaxLat is the latitude at which spherical mercator reaches y == x extent.
	MercatorMaxLat = 85.0511287798066

	// MercatorExtent is the half width of the web mercator world square.
	MercatorExtent = 20037508.342789244
)

var ErrUnsupported = errors.New("unsupported srs")

type kind int

const (
	kindGeographic kind = iota + 1
	kindMercator
)

type definition struct {
	code      string
	kind      kind
	semiMajor float64
	// latLon marks geographic EPSG codes whose official axis order is lat/lon (WMS 1.3.0).
	latLon bool
}

var known = map[string]definition{
	"EPSG:4326":   {code: "EPSG:4326", kind: kindGeographic, semiMajor: WGS84SemiMajor, latLon: true},
	"CRS:84":      {code: "CRS:84", kind: kindGeographic, semiMajor: WGS84SemiMajor},
	"EPSG:4258":   {code: "EPSG:4258", kind: kindGeographic, semiMajor: WGS84SemiMajor, latLon: true},
	"EPSG:3857":   {code: "EPSG:3857", kind: kindMercator, semiMajor: WGS84SemiMajor},
	"EPSG:900913": {code: "EPSG:900913", kind: kindMercator, semiMajor: WGS84SemiMajor},
	"EPSG:102100": {code: "EPSG:102100", kind: kindMercator, semiMajor: WGS84SemiMajor},
	"EPSG:102113": {code: "EPSG:102113", kind: kindMercator, semiMajor: WGS84SemiMajor},
	"EPSG:3785":   {code: "EPSG:3785", kind: kindMercator, semiMajor: WGS84SemiMajor},
}

// Normalize maps the many spellings of a CRS (URIs, lower case, CRS84) onto one code.
func Normalize(code string) string {
	c := strings.TrimSpace(code)
	up := strings.ToUpper(c)
	switch {
	case strings.HasSuffix(up, "/CRS84"), up == "OGC:CRS84", up == "CRS84", up == "CRS:84":
		return "CRS:84"
	case strings.HasPrefix(up, "HTTP://WWW.OPENGIS.NET/DEF/CRS/EPSG/"):
		parts := strings.Split(up, "/")
		return "EPSG:" + parts[len(parts)-1]
	case strings.HasPrefix(up, "URN:OGC:DEF:CRS:EPSG:"):
		parts := strings.Split(up, ":")
		return "EPSG:" + parts[len(parts)-1]
	}
	return up
}

// Provider answers CRS questions for the resolver, the grid mapper and the protocol layer.
// It holds no mutable state and is safe for concurrent use.
type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func lookup(code string) (definition, error) {
	d, ok := known[Normalize(code)]
	if !ok {
		return definition{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return d, nil
}

func (p *Provider) Supported(code string) bool {
	_, err := lookup(code)
	return err == nil
}

func (p *Provider) IsGeographic(code string) bool {
	d, err := lookup(code)
	return err == nil && d.kind == kindGeographic
}

// IsLatLonOrder reports whether the CRS has lat/lon axis order (relevant for WMS 1.3.0).
func (p *Provider) IsLatLonOrder(code string) bool {
	d, err := lookup(code)
	return err == nil && d.latLon
}

// SemiMajorAxis falls back to the WGS84 value for unknown codes.
func (p *Provider) SemiMajorAxis(code string) float64 {
	d, err := lookup(code)
	if err != nil {
		return WGS84SemiMajor
	}
	return d.semiMajor
}

// Equal reports whether two codes denote the same system.
func (p *Provider) Equal(a, b string) bool {
	da, errA := lookup(a)
	db, errB := lookup(b)
	if errA != nil || errB != nil {
		return Normalize(a) == Normalize(b)
	}
	return da.kind == db.kind
}

func (p *Provider) TransformPoint(pt orb.Point, from, to string) (orb.Point, error) {
	proj, err := projection(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	return proj(pt), nil
}

// edgeSamples is the number of points sampled per bbox edge, so curved edges are bounded
const edgeSamples = 16

// Transform reprojects a bbox and returns the bbox of the transformed outline.
func (p *Provider) Transform(b model.BBox, from, to string) (model.BBox, error) {
	proj, err := projection(from, to)
	if err != nil {
		return model.BBox{}, err
	}
	target := Normalize(to)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	add := func(x, y float64) {
		q := proj(orb.Point{x, y})
		minX = math.Min(minX, q[0])
		minY = math.Min(minY, q[1])
		maxX = math.Max(maxX, q[0])
		maxY = math.Max(maxY, q[1])
	}
	for i := 0; i <= edgeSamples; i++ {
		f := float64(i) / edgeSamples
		x := b.X1 + f*(b.X2-b.X1)
		y := b.Y1 + f*(b.Y2-b.Y1)
		if i == edgeSamples {
			x, y = b.X2, b.Y2
		}
		add(x, b.Y1)
		add(x, b.Y2)
		add(b.X1, y)
		add(b.X2, y)
	}
	return model.BBox{X1: minX, Y1: minY, X2: maxX, Y2: maxY, SRID: target}, nil
}

func projection(from, to string) (orb.Projection, error) {
	df, err := lookup(from)
	if err != nil {
		return nil, err
	}
	dt, err := lookup(to)
	if err != nil {
		return nil, err
	}
	switch {
	case df.kind == dt.kind:
		return func(p orb.Point) orb.Point { return p }, nil
	case df.kind == kindGeographic && dt.kind == kindMercator:
		return toMercator, nil
	case df.kind == kindMercator && dt.kind == kindGeographic:
		return project.Mercator.ToWGS84, nil
	}
	return nil, fmt.Errorf("%w: no transformation from %s to %s", ErrUnsupported, df.code, dt.code)
}

// toMercator clamps latitude first; the projection is undefined at the poles.
func toMercator(p orb.Point) orb.Point {
	lat := math.Max(-MercatorMaxLat, math.Min(MercatorMaxLat, p[1]))
	return project.WGS84.ToMercator(orb.Point{p[0], lat})
}
