package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

type upstreamRecorder struct {
	mu         sync.Mutex
	lastQuery  url.Values
	lastHeader http.Header

	status      int
	contentType string
	body        string
}

func (u *upstreamRecorder) handler(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.lastQuery = r.URL.Query()
	u.lastHeader = r.Header.Clone()
	u.mu.Unlock()

	w.Header().Set("Content-Type", u.contentType)
	w.WriteHeader(u.status)
	_, _ = w.Write([]byte(u.body))
}

func (u *upstreamRecorder) snapshot() (url.Values, http.Header) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastQuery, u.lastHeader
}

func testQuery() model.MapQuery {
	return model.MapQuery{
		BBox:       model.BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		Size:       model.Size{Width: 256, Height: 256},
		CRS:        "EPSG:4326",
		Dimensions: map[string]string{"time": "2024-01-01", "other": "x"},
	}
}

func TestBuildGetMapParams_111(t *testing.T) {
	spec := config.SourceSpec{
		Layers:            []string{"roads", "labels"},
		Version:           "1.1.1",
		Format:            "image/jpeg",
		ForwardDimensions: []string{"TIME"},
	}
	v := BuildGetMapParams(spec, testQuery(), true)
	assertHas := func(k, want string) {
		t.Helper()
		if got := v.Get(k); got != want {
			t.Fatalf("param %q got %q want %q", k, got, want)
		}
	}
	assertHas("SERVICE", "WMS")
	assertHas("REQUEST", "GetMap")
	assertHas("LAYERS", "roads,labels")
	assertHas("SRS", "EPSG:4326")
	assertHas("BBOX", "11,55,12,56")
	assertHas("FORMAT", "image/jpeg")
	assertHas("WIDTH", "256")
	assertHas("TIME", "2024-01-01")
	if v.Has("OTHER") || v.Has("TRANSPARENT") {
		t.Fatalf("unexpected params: %v", v)
	}
}

func TestBuildGetMapParams_130AxisOrder(t *testing.T) {
	spec := config.SourceSpec{Layers: []string{"l"}, Version: "1.3.0", Transparent: true}
	v := BuildGetMapParams(spec, testQuery(), true)
	if got := v.Get("BBOX"); got != "55,11,56,12" {
		t.Fatalf("lat/lon bbox = %q", got)
	}
	if v.Get("CRS") != "EPSG:4326" || v.Has("SRS") {
		t.Fatalf("1.3.0 must use CRS: %v", v)
	}
	if v.Get("TRANSPARENT") != "TRUE" {
		t.Fatal("transparent not forwarded")
	}

	v = BuildGetMapParams(spec, testQuery(), false)
	if got := v.Get("BBOX"); got != "11,55,12,56" {
		t.Fatalf("x/y bbox = %q", got)
	}
}

func newWMS(t *testing.T, up *upstreamRecorder, spec config.SourceSpec) *WMS {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	t.Cleanup(srv.Close)
	spec.URL = srv.URL + "/wms?map=/data/roads.map&request=GetCapabilities"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWMS(logger, srv.Client(), "roads", spec, srs.NewProvider())
	if err != nil {
		t.Fatalf("NewWMS: %v", err)
	}
	return w
}

func TestWMS_FetchForwardsQueryAndHeaders(t *testing.T) {
	up := &upstreamRecorder{status: http.StatusOK, contentType: "image/png", body: "\x89PNGdata"}
	w := newWMS(t, up, config.SourceSpec{
		Layers:  []string{"roads"},
		Version: "1.3.0",
		Headers: map[string]string{"Authorization": "Bearer t"},
	})

	img, err := w.Fetch(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(img.Data) != "\x89PNGdata" || img.ContentType != "image/png" {
		t.Fatalf("image = %+v", img)
	}

	q, h := up.snapshot()
	if q.Get("map") != "/data/roads.map" {
		t.Fatalf("base url params dropped: %v", q)
	}
	if q.Get("REQUEST") != "GetMap" || q.Has("request") {
		t.Fatalf("configured request param must be replaced: %v", q)
	}
	if q.Get("BBOX") != "55,11,56,12" {
		t.Fatalf("bbox = %q", q.Get("BBOX"))
	}
	if h.Get("Authorization") != "Bearer t" {
		t.Fatalf("header not forwarded: %v", h)
	}
}

func TestWMS_FetchErrors(t *testing.T) {
	tests := []struct {
		name string
		up   *upstreamRecorder
	}{
		{"status", &upstreamRecorder{status: http.StatusInternalServerError, contentType: "text/plain", body: "down"}},
		{"exception", &upstreamRecorder{status: http.StatusOK, contentType: "application/vnd.ogc.se_xml", body: "<ServiceException/>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWMS(t, tt.up, config.SourceSpec{Layers: []string{"roads"}})
			if _, err := w.Fetch(context.Background(), testQuery()); !errors.Is(err, ErrUpstream) {
				t.Fatalf("want ErrUpstream, got %v", err)
			}
		})
	}
}

func TestWMS_FetchHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWMS(logger, srv.Client(), "slow", config.SourceSpec{URL: srv.URL, Layers: []string{"l"}, Timeout: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewWMS: %v", err)
	}
	if _, err := w.Fetch(context.Background(), testQuery()); !errors.Is(err, ErrUpstream) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want upstream deadline error, got %v", err)
	}
}
