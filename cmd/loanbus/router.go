package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/overtonx/loanbus/resilience"
)

type breakerView struct {
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

type healthView struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Breakers map[string]breakerView `json:"breakers"`
}

// ops is everything the operator endpoints read from.
type ops struct {
	metrics  http.Handler
	queues   http.Handler
	ping     func(ctx context.Context) error
	breakers func() map[string]resilience.BreakerState
}

func newRouter(o ops) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", o.metrics)
	r.Handle("/queues", o.queues)
	r.Get("/healthz", o.health)
	return r
}

// health fails only on the database. Open breakers are reported, since a
// vendor outage does not make the process unhealthy.
func (o ops) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	view := healthView{Status: "ok", Database: "ok", Breakers: map[string]breakerView{}}
	status := http.StatusOK
	if err := o.ping(ctx); err != nil {
		view.Status = "unhealthy"
		view.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	for name, b := range o.breakers() {
		view.Breakers[name] = breakerView{State: b.State.String(), Failures: b.Failures, LastFailureAt: b.LastFailureAt}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(view)
}
