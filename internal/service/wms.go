package service

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

// wmsParams holds the first value of every parameter under its upper-case name; WMS parameter
// names are case-insensitive.
type wmsParams map[string]string

func newWMSParams(r *http.Request) wmsParams {
	out := wmsParams{}
	for k, vs := range r.URL.Query() {
		k = strings.ToUpper(k)
		if _, dup := out[k]; !dup && len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func (p wmsParams) get(name string) string { return strings.TrimSpace(p[name]) }

type getMapRequest struct {
	Layers      []string
	Version     string
	CRS         string
	BBox        model.BBox
	Width       int
	Height      int
	Format      string
	Transparent bool
	Dimensions  map[string]string
}

func (s *Service) handleWMS(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logger.WithService(r.Context(), "wms"))
	p := newWMSParams(r)

	if svc := p.get("SERVICE"); svc != "" && !strings.EqualFold(svc, "WMS") {
		s.writeError(w, r, wmsErrors, fmt.Errorf("%w: SERVICE=%q", errBadRequest, svc))
		return
	}
	if req := p.get("REQUEST"); !strings.EqualFold(req, "GetMap") {
		s.writeError(w, r, wmsErrors, fmt.Errorf("%w: operation %q not supported", errBadRequest, req))
		return
	}

	req, err := s.parseGetMap(p)
	if err != nil {
		s.writeError(w, r, wmsErrors, err)
		return
	}

	ls := make([]*layer.Layer, 0, len(req.Layers))
	for _, name := range req.Layers {
		l, err := s.layers.Layer(name)
		if err != nil {
			s.writeError(w, r, wmsErrors, err)
			return
		}
		ls = append(ls, l)
	}
	l := layer.Stack(ls...)
	r = r.WithContext(logger.WithLayer(r.Context(), l.Name))

	bbox := req.BBox
	q, err := s.resolver.Resolve(query.Params{
		BBox:        &bbox,
		Width:       &req.Width,
		Height:      &req.Height,
		Format:      req.Format,
		Transparent: req.Transparent,
		Dimensions:  l.Dimensions(req.Dimensions),
	}, req.CRS, l)
	if err != nil {
		s.writeError(w, r, wmsErrors, err)
		return
	}

	img, err := s.renderer.RenderMap(r.Context(), l, q)
	if err != nil {
		s.writeError(w, r, wmsErrors, err)
		return
	}
	writeImage(w, img, "")
}

// parseGetMap validates the GetMap parameters. WMS 1.3.0 bboxes in lat/lon CRSs are swapped
// back to x/y.
func (s *Service) parseGetMap(p wmsParams) (getMapRequest, error) {
	req := getMapRequest{Version: p.get("VERSION")}
	if req.Version == "" {
		req.Version = "1.1.1"
	}

	for _, name := range strings.Split(p.get("LAYERS"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			req.Layers = append(req.Layers, name)
		}
	}
	if len(req.Layers) == 0 {
		return req, fmt.Errorf("%w: LAYERS is required", errBadRequest)
	}

	crsParam := "SRS"
	if req.Version == "1.3.0" {
		crsParam = "CRS"
	}
	req.CRS = p.get(crsParam)
	if req.CRS == "" {
		return req, fmt.Errorf("%w: %s is required", errBadRequest, crsParam)
	}
	if !s.crs.Supported(req.CRS) {
		return req, fmt.Errorf("%w: %s=%q", srs.ErrUnsupported, crsParam, req.CRS)
	}

	vals, err := parseFloats(p.get("BBOX"), 4)
	if err != nil {
		return req, fmt.Errorf("%w: BBOX: %w", errBadRequest, err)
	}
	if req.Version == "1.3.0" && s.crs.IsLatLonOrder(req.CRS) {
		vals[0], vals[1], vals[2], vals[3] = vals[1], vals[0], vals[3], vals[2]
	}
	req.BBox = model.BBox{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3], SRID: req.CRS}

	for _, dim := range []struct {
		name string
		dst  *int
	}{{"WIDTH", &req.Width}, {"HEIGHT", &req.Height}} {
		n, err := strconv.Atoi(p.get(dim.name))
		if err != nil {
			return req, fmt.Errorf("%w: %s must be an integer", errBadRequest, dim.name)
		}
		*dim.dst = n
	}

	if f := p.get("FORMAT"); f != "" {
		format, err := imaging.ParseFormat(f)
		if err != nil {
			return req, err
		}
		req.Format = format.MimeType()
	}
	req.Transparent = strings.EqualFold(p.get("TRANSPARENT"), "true")

	req.Dimensions = p.dimensions()
	return req, nil
}

// dimensions reads TIME, ELEVATION and DIM_<name>; DATETIME is the OGC API spelling of TIME.
func (p wmsParams) dimensions() map[string]string {
	var dims map[string]string
	for k, v := range p {
		var name string
		switch {
		case k == "TIME", k == "ELEVATION":
			name = strings.ToLower(k)
		case k == "DATETIME":
			name = "time"
		case strings.HasPrefix(k, "DIM_") && len(k) > 4:
			name = strings.ToLower(k[4:])
		default:
			continue
		}
		if dims == nil {
			dims = make(map[string]string)
		}
		dims[name] = strings.TrimSpace(v)
	}
	return dims
}

func parseFloats(raw string, n int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated numbers, got %q", n, raw)
	}
	out := make([]float64, n)
	for i, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", s, err)
		}
		out[i] = f
	}
	return out, nil
}
