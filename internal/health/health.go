// Package health serves the liveness and readiness probes.
//
// GET /healthz always answers 200 while the process can serve HTTP.
// GET /readyz answers 200 only when every registered [Checker] passes and the
// server is not draining. Both return {"status": "ok"|"fail", "checks": {...}};
// /readyz also carries the registered load gauges under "load".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz once [Handler.SetDraining] was called.
var ErrDraining = errors.New("server is shutting down")

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies that can probe their own
// connectivity, such as the usage ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a Checker named name that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Load   map[string]int    `json:"load,omitempty"`
}

// Gauge reports a load figure, such as the number of open voice sockets.
type Gauge struct {
	Name  string
	Value func() int
}

// Handler serves /healthz and /readyz. Checkers and gauges are fixed at
// construction time.
type Handler struct {
	checkers []Checker
	gauges   []Gauge
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithGauges returns h after adding gauges to the /readyz body.
func (h *Handler) WithGauges(gauges ...Gauge) *Handler {
	h.gauges = append(h.gauges, gauges...)
	return h
}

// SetDraining marks the server as shutting down so load balancers stop
// routing new clients to it.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Checks run concurrently, each with its own
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers)+1)}
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
		} else {
			res.Checks[c.Name] = "ok"
		}
	}
	if len(h.gauges) > 0 {
		res.Load = make(map[string]int, len(h.gauges))
		for _, g := range h.gauges {
			res.Load[g.Name] = g.Value()
		}
	}
	if h.draining.Load() {
		res.Checks["server"] = "fail: " + ErrDraining.Error()
		res.Status = "fail"
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
