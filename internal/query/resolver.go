// Package query resolves the heterogeneous map parameters of the OGC protocols (bbox, center,
// subset, size, scale denominator) into one canonical model.MapQuery.
package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/scale"
)

// DefaultMaxSize is the larger image side chosen when the caller gives no size.
const DefaultMaxSize = 1024

// ExtentProvider is the layer as seen by the resolver.
type ExtentProvider interface {
	ExtentIn(crs string) (model.BBox, error)
	NominalScale() (float64, bool)
}

// CRSProvider classifies and transforms spatial reference systems.
type CRSProvider interface {
	scale.CRSInfo
	Transform(b model.BBox, from, to string) (model.BBox, error)
	TransformPoint(p orb.Point, from, to string) (orb.Point, error)
}

// Params are the raw, already parsed request parameters. Nil means "not given".
type Params struct {
	BBox *model.BBox // SRID is the bbox CRS; empty means the request CRS

	Center    *orb.Point
	CenterCRS string

	Subset    []Interval
	SubsetCRS string

	Width  *int
	Height *int

	ScaleDenominator  *float64
	DisplayResMMPerPx float64

	Format      string
	Transparent bool
	Dimensions  map[string]string
}

type Option func(*Resolver)

// WithMaxOutputPixels rejects queries whose width*height exceeds n.
func WithMaxOutputPixels(n int) Option {
	return func(r *Resolver) { r.maxPixels = n }
}

// WithDefaultSize changes the larger side used when no size is given.
func WithDefaultSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.defaultSize = n
		}
	}
}

// Resolver holds only read-only collaborators; Resolve is a pure function of its inputs.
type Resolver struct {
	crs         CRSProvider
	defaultSize int
	maxPixels   int
}

func New(crs CRSProvider, opts ...Option) *Resolver {
	r := &Resolver{crs: crs, defaultSize: DefaultMaxSize}
	for _, o := range opts {
		o(r)
	}
	return r
}

// combination is one row of the parameter-combination table.
type combination int

const (
	comboExtentDefault   combination = iota + 1 // nothing but maybe width/height
	comboBBox                                   // bbox only
	comboCenter                                 // center only
	comboCenterSize                             // center with width and/or height
	comboScale                                  // scale without bbox (center/size optional)
	comboBBoxScale                              // bbox with scale, no size
	comboCenterScaleSize                        // center with scale and size
)

func (c combination) String() string {
	switch c {
	case comboExtentDefault:
		return "extent-default"
	case comboBBox:
		return "bbox"
	case comboCenter:
		return "center"
	case comboCenterSize:
		return "center+size"
	case comboScale:
		return "scale"
	case comboBBoxScale:
		return "bbox+scale"
	case comboCenterScaleSize:
		return "center+scale+size"
	}
	return "unknown"
}

// classify returns the first matching row; illegal rows are errors.
func classify(hasBBox, hasCenter, hasSize, hasScale bool) (combination, error) {
	switch {
	case hasBBox && hasCenter:
		return 0, fmt.Errorf("%w: bbox and center are mutually exclusive", ErrParameterConflict)
	case hasBBox && hasScale && hasSize:
		return 0, fmt.Errorf("%w: bbox, scale-denominator and width/height cannot be combined", ErrParameterConflict)
	case hasBBox && hasScale:
		return comboBBoxScale, nil
	case hasBBox:
		return comboBBox, nil
	case hasScale && hasCenter && hasSize:
		return comboCenterScaleSize, nil
	case hasScale:
		return comboScale, nil
	case hasCenter && hasSize:
		return comboCenterSize, nil
	case hasCenter:
		return comboCenter, nil
	default:
		return comboExtentDefault, nil
	}
}

// Resolve turns p into a MapQuery in crs. layer supplies the full extent and nominal scale
// for the combinations that need them.
func (r *Resolver) Resolve(p Params, crs string, layer ExtentProvider) (model.MapQuery, error) {
	crs = strings.TrimSpace(crs)
	if crs == "" {
		return model.MapQuery{}, fmt.Errorf("%w: crs is required", ErrInvalidParameter)
	}
	if len(p.Subset) > 0 && (p.BBox != nil || p.Center != nil) {
		return model.MapQuery{}, fmt.Errorf("%w: subset cannot be combined with bbox or center", ErrParameterConflict)
	}
	if err := validateSize(p.Width, p.Height); err != nil {
		return model.MapQuery{}, err
	}
	sr := scale.Request{ScaleDenominator: p.ScaleDenominator, DisplayResMMPerPx: p.DisplayResMMPerPx}
	if err := sr.Validate(); err != nil {
		return model.MapQuery{}, err
	}

	hasSize := p.Width != nil || p.Height != nil
	combo, err := classify(p.BBox != nil || len(p.Subset) > 0, p.Center != nil, hasSize, p.ScaleDenominator != nil)
	if err != nil {
		return model.MapQuery{}, err
	}

	var (
		bbox model.BBox
		size model.Size
	)
	switch combo {
	case comboBBox:
		bbox, err = r.requestBBox(p, crs, layer)
		if err != nil {
			return model.MapQuery{}, err
		}
		aspect, err := aspectOf(bbox, "bbox")
		if err != nil {
			return model.MapQuery{}, err
		}
		size = fillSize(p.Width, p.Height, aspect, r.defaultSize)

	case comboBBoxScale:
		bbox, err = r.requestBBox(p, crs, layer)
		if err != nil {
			return model.MapQuery{}, err
		}
		res, err := scale.GroundRes(*p.ScaleDenominator, sr.DisplayResMMPerPx, crs, r.crs)
		if err != nil {
			return model.MapQuery{}, err
		}
		size = model.Size{
			Width:  atLeastOne(bbox.Width() / res),
			Height: atLeastOne(bbox.Height() / res),
		}

	case comboExtentDefault, comboCenter, comboCenterSize, comboScale, comboCenterScaleSize:
		extent, err := layer.ExtentIn(crs)
		if err != nil {
			return model.MapQuery{}, fmt.Errorf("layer extent in %s: %w", crs, err)
		}
		aspect, err := aspectOf(extent, "layer extent")
		if err != nil {
			return model.MapQuery{}, err
		}
		center := extent.Center()
		if p.Center != nil {
			center, err = r.requestCenter(p, crs)
			if err != nil {
				return model.MapQuery{}, err
			}
		}
		res, err := r.resolution(p.ScaleDenominator, sr.DisplayResMMPerPx, crs, layer)
		if err != nil {
			return model.MapQuery{}, err
		}
		size = fillSize(p.Width, p.Height, aspect, r.defaultSize)
		bbox = bboxAround(center, size, res, crs)
	}

	if !bbox.Valid() {
		return model.MapQuery{}, fmt.Errorf("%w: resolved bbox %s is empty", ErrInvalidNumeric, bbox)
	}
	if r.maxPixels > 0 && size.Width*size.Height > r.maxPixels {
		return model.MapQuery{}, fmt.Errorf("%w: %dx%d exceeds the maximum of %d pixels",
			ErrInvalidNumeric, size.Width, size.Height, r.maxPixels)
	}

	return model.MapQuery{
		BBox:        bbox,
		Size:        size,
		CRS:         crs,
		Format:      p.Format,
		Transparent: p.Transparent,
		Dimensions:  cloneDims(p.Dimensions),
	}, nil
}

// requestBBox returns the bbox or subset of p expressed in crs.
func (r *Resolver) requestBBox(p Params, crs string, layer ExtentProvider) (model.BBox, error) {
	var (
		b    model.BBox
		from string
	)
	if len(p.Subset) > 0 {
		from = strings.TrimSpace(p.SubsetCRS)
		if from == "" {
			from = "CRS:84"
		}
		sb, err := subsetBBox(p.Subset, from, layer)
		if err != nil {
			return model.BBox{}, err
		}
		b = sb
	} else {
		b = *p.BBox
		from = strings.TrimSpace(b.SRID)
	}
	if !finite(b.X1, b.Y1, b.X2, b.Y2) || !b.Valid() {
		return model.BBox{}, fmt.Errorf("%w: bbox %s must satisfy maxx>minx and maxy>miny", ErrInvalidNumeric, b)
	}
	if from == "" || from == crs {
		b.SRID = crs
		return b, nil
	}
	out, err := r.crs.Transform(b, from, crs)
	if err != nil {
		return model.BBox{}, fmt.Errorf("%w: transform bbox from %s to %s: %w", ErrInvalidParameter, from, crs, err)
	}
	out.SRID = crs
	return out, nil
}

func (r *Resolver) requestCenter(p Params, crs string) (orb.Point, error) {
	c := *p.Center
	if !finite(c[0], c[1]) {
		return orb.Point{}, fmt.Errorf("%w: center %v", ErrInvalidNumeric, c)
	}
	from := strings.TrimSpace(p.CenterCRS)
	if from == "" || from == crs {
		return c, nil
	}
	out, err := r.crs.TransformPoint(c, from, crs)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: transform center from %s to %s: %w", ErrInvalidParameter, from, crs, err)
	}
	return out, nil
}

// resolution prefers the explicit scale denominator over the layer nominal scale.
func (r *Resolver) resolution(explicit *float64, displayRes float64, crs string, layer ExtentProvider) (float64, error) {
	denominator := 0.0
	switch {
	case explicit != nil:
		denominator = *explicit
	default:
		nominal, ok := layer.NominalScale()
		if !ok {
			return 0, ErrMissingScale
		}
		denominator = nominal
	}
	return scale.GroundRes(denominator, displayRes, crs, r.crs)
}

func validateSize(w, h *int) error {
	if w != nil && *w < 1 {
		return fmt.Errorf("%w: width %d must be >= 1", ErrInvalidNumeric, *w)
	}
	if h != nil && *h < 1 {
		return fmt.Errorf("%w: height %d must be >= 1", ErrInvalidNumeric, *h)
	}
	return nil
}

// aspectOf returns width/height of b, rejecting degenerate extents.
func aspectOf(b model.BBox, what string) (float64, error) {
	w, h := b.Width(), b.Height()
	if !(w > 0) || !(h > 0) || !finite(w, h) {
		return 0, fmt.Errorf("%w: %s %s has no usable aspect ratio", ErrInvalidNumeric, what, b)
	}
	a := w / h
	if !finite(a) || a <= 0 {
		return 0, fmt.Errorf("%w: %s %s has no usable aspect ratio", ErrInvalidNumeric, what, b)
	}
	return a, nil
}

// fillSize derives missing dimensions from aspect (width/height). With neither given the
// larger side becomes maxSide.
func fillSize(w, h *int, aspect float64, maxSide int) model.Size {
	switch {
	case w != nil && h != nil:
		return model.Size{Width: *w, Height: *h}
	case w != nil:
		return model.Size{Width: *w, Height: atLeastOne(float64(*w) / aspect)}
	case h != nil:
		return model.Size{Width: atLeastOne(float64(*h) * aspect), Height: *h}
	case aspect >= 1:
		return model.Size{Width: maxSide, Height: atLeastOne(float64(maxSide) / aspect)}
	default:
		return model.Size{Width: atLeastOne(float64(maxSide) * aspect), Height: maxSide}
	}
}

func bboxAround(c orb.Point, size model.Size, res float64, crs string) model.BBox {
	halfW := float64(size.Width) * res / 2
	halfH := float64(size.Height) * res / 2
	return model.BBox{
		X1: c[0] - halfW, Y1: c[1] - halfH,
		X2: c[0] + halfW, Y2: c[1] + halfH,
		SRID: crs,
	}
}

func atLeastOne(v float64) int {
	n := math.Round(v)
	if n < 1 || math.IsNaN(n) {
		return 1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func cloneDims(d map[string]string) map[string]string {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
