package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestInit_RuntimeCollectorsAndBuildInfo(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "v1.2.3", Revision: "abc123", Branch: "main", BuildDate: "2026-01-02T03:04:05Z"}})
	body := scrape(t, p)

	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "process_cpu_seconds_total") && !strings.Contains(body, "process_start_time_seconds") {
		t.Fatalf("expected process_* metrics in payload; got:\n%s", body)
	}
	want := `app_build_info{branch="main",build_date="2026-01-02T03:04:05Z",revision="abc123",version="v1.2.3"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("expected %q in payload; got:\n%s", want, body)
	}
}

func TestInit_EmptyVersionIsDev(t *testing.T) {
	body := scrape(t, Init(Config{}))
	if !strings.Contains(body, `version="dev"`) {
		t.Fatalf("expected version=\"dev\"; got:\n%s", body)
	}
}

func TestRegister_ExtraCollector(t *testing.T) {
	p := Init(Config{})
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tiles_seeded", Help: "smoke"})
	p.Register(g)
	g.Set(42)

	if n := testutil.CollectAndCount(g); n != 1 {
		t.Fatalf("samples=%d want 1", n)
	}
	if body := scrape(t, p); !strings.Contains(body, "tiles_seeded 42") {
		t.Fatalf("expected tiles_seeded in payload; got:\n%s", body)
	}
}

func TestServer_DefaultPath(t *testing.T) {
	srv := Init(Config{}).Server(":9100", "")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
}
