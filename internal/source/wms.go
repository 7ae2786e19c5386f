// Package source fetches map images from upstream WMS servers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
)

// ErrUpstream marks failures of the upstream service (transport, status, exception reports).
var ErrUpstream = errors.New("upstream error")

// maxImageBytes caps one upstream response body.
const maxImageBytes = 64 << 20

// Image is an undecoded upstream response.
type Image struct {
	Data        []byte
	ContentType string
}

// Source renders one map query.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q model.MapQuery) (Image, error)
}

// AxisOrder tells whether a CRS has lat/lon axis order.
type AxisOrder interface {
	IsLatLonOrder(crs string) bool
}

type WMS struct {
	name     string
	spec     config.SourceSpec
	endpoint *url.URL
	client   *http.Client
	axes     AxisOrder
	logger   *slog.Logger
	startNow func() time.Time // for tests
}

func NewWMS(logger *slog.Logger, client *http.Client, name string, spec config.SourceSpec, axes AxisOrder) (*WMS, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse url: %w", name, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WMS{
		name:     name,
		spec:     spec,
		endpoint: u,
		client:   client,
		axes:     axes,
		logger:   logger,
		startNow: time.Now,
	}, nil
}

func (w *WMS) Name() string { return w.name }

// Fetch issues a GetMap request for q and returns the image bytes.
func (w *WMS) Fetch(ctx context.Context, q model.MapQuery) (Image, error) {
	if w.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.spec.Timeout)
		defer cancel()
	}

	latLon := w.axes != nil && w.axes.IsLatLonOrder(q.CRS)
	u := *w.endpoint
	u.RawQuery = mergeQuery(w.endpoint.Query(), BuildGetMapParams(w.spec, q, latLon)).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}

	start := w.startNow()
	resp, err := w.client.Do(req)
	if err != nil {
		observability.IncUpstreamError(w.name, "transport")
		return Image{}, fmt.Errorf("%w: source %s: %w", ErrUpstream, w.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency(w.name, dur.Seconds())
	w.logger.DebugContext(ctx, "getmap done",
		"source", w.name,
		"status", resp.StatusCode,
		"duration", dur.String())

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		observability.IncUpstreamError(w.name, "status")
		return Image{}, fmt.Errorf("%w: source %s: status %d: %s", ErrUpstream, w.name, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	// WMS servers report exceptions with 200 and an XML body
	if strings.Contains(ct, "xml") || strings.HasPrefix(ct, "text/") {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		observability.IncUpstreamError(w.name, "exception")
		return Image{}, fmt.Errorf("%w: source %s: service exception: %s", ErrUpstream, w.name, strings.TrimSpace(string(b)))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		observability.IncUpstreamError(w.name, "read")
		return Image{}, fmt.Errorf("%w: source %s: read body: %w", ErrUpstream, w.name, err)
	}
	return Image{Data: b, ContentType: ct}, nil
}

// BuildGetMapParams returns the GetMap query of spec for q. latLon swaps the bbox axes, which
// WMS 1.3.0 requires for CRSs like EPSG:4326.
func BuildGetMapParams(spec config.SourceSpec, q model.MapQuery, latLon bool) url.Values {
	version := spec.Version
	if version == "" {
		version = "1.1.1"
	}
	params := url.Values{}
	params.Set("SERVICE", "WMS")
	params.Set("VERSION", version)
	params.Set("REQUEST", "GetMap")
	params.Set("LAYERS", strings.Join(spec.Layers, ","))
	params.Set("STYLES", strings.Join(spec.Styles, ","))
	params.Set("WIDTH", strconv.Itoa(q.Size.Width))
	params.Set("HEIGHT", strconv.Itoa(q.Size.Height))

	b := q.BBox
	coords := []float64{b.X1, b.Y1, b.X2, b.Y2}
	if version == "1.3.0" {
		params.Set("CRS", q.CRS)
		if latLon {
			coords = []float64{b.Y1, b.X1, b.Y2, b.X2}
		}
	} else {
		params.Set("SRS", q.CRS)
	}
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.FormatFloat(c, 'f', -1, 64)
	}
	params.Set("BBOX", strings.Join(parts, ","))

	format := spec.Format
	if format == "" {
		format = "image/png"
	}
	params.Set("FORMAT", format)
	if spec.Transparent {
		params.Set("TRANSPARENT", "TRUE")
	}

	for _, name := range spec.ForwardDimensions {
		if v, ok := lookupDim(q.Dimensions, name); ok {
			params.Set(strings.ToUpper(name), v)
		}
	}
	return params
}

func lookupDim(dims map[string]string, name string) (string, bool) {
	for k, v := range dims {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// GetMap parameters win over anything already present in the configured URL.
func mergeQuery(base, getmap url.Values) url.Values {
	out := url.Values{}
	for k, vs := range base {
		if _, clash := lookupParam(getmap, k); clash {
			continue
		}
		out[k] = vs
	}
	for k, vs := range getmap {
		out[k] = vs
	}
	return out
}

func lookupParam(v url.Values, name string) (string, bool) {
	for k := range v {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}
