// Package health serves the gateway's liveness and readiness endpoints.
//
// Liveness (/healthz) answers 200 whenever the process can serve HTTP at
// all. Readiness (/readyz) additionally runs every registered Checker, so a
// gateway that has reached its session capacity or lost a dependency drops
// out of the load balancer rotation without being restarted.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkDeadline bounds a single readiness check.
const checkDeadline = 5 * time.Second

// Checker is one named readiness condition. Check returns nil while the
// condition holds and an error describing what is wrong otherwise; the error
// text ends up verbatim in the /readyz response body.
type Checker struct {
	// Name keys the check's verdict in the JSON response, e.g. "sessions".
	Name string

	// Check must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// report is the response body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker set is fixed at
// construction; the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checks []Checker
}

// New builds a Handler over the given checkers. /readyz evaluates them
// sequentially in the order given.
func New(checks ...Checker) *Handler {
	h := &Handler{checks: make([]Checker, len(checks))}
	copy(h.checks, checks)
	return h
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every checker passes, 503 otherwise. Each
// checker runs under its own deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		if err := h.runCheck(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	writeReport(w, status, res)
}

func (h *Handler) runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkDeadline)
	defer cancel()
	return c.Check(ctx)
}

func writeReport(w http.ResponseWriter, status int, res report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
