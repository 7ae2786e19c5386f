package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check is one readiness probe, e.g. a Redis ping or Kafka partition assignment.
type Check struct {
	Name string
	// Optional checks report their state but do not fail readiness.
	Optional bool
	Probe    func(ctx context.Context) error
}

const probeTimeout = 2 * time.Second

func Readiness(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		ready := true
		out := resp{Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				out.Checks[c.Name] = err.Error()
				if !c.Optional {
					ready = false
				}
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
