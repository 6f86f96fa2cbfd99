// Package introspect serves a participant's runtime state over HTTP.
//
// Routes:
//
//	GET  /state             current lifecycle state and standalone flag
//	GET  /clock             active clock, kind and simulation time
//	GET  /jobs              registered jobs with resolved step configs
//	GET  /incidents         recorded incidents
//	GET  /metrics           Prometheus metrics
//	POST /events/{event}    raise a lifecycle event locally
//	POST /trigger           run one manual timing-master cycle
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/incident"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/statemachine"
)

// IncidentLister returns the incidents recorded so far.
type IncidentLister interface {
	Incidents() []incident.Incident
}

// TriggerFunc runs one manual cycle and returns the new master time.
type TriggerFunc func(ctx context.Context) (core.SimTime, error)

// Source holds the components a router reads from. Nil fields disable the
// routes that need them.
type Source struct {
	Name      string
	Machine   *statemachine.Machine
	Clocks    *clock.Service
	Scheduler *scheduler.Scheduler
	Incidents IncidentLister
	Metrics   *metrics.Metrics
	Trigger   TriggerFunc
	Logger    *slog.Logger
}

// StateView is the body of GET /state.
type StateView struct {
	Participant string `json:"participant"`
	State       string `json:"state"`
	Standalone  bool   `json:"standalone"`
}

// ClockView is the body of GET /clock.
type ClockView struct {
	Active  string   `json:"active"`
	Kind    string   `json:"kind"`
	Started bool     `json:"started"`
	Time    int64    `json:"time_us"`
	Clocks  []string `json:"clocks"`
}

// JobView is one element of GET /jobs.
type JobView struct {
	Name             string `json:"name"`
	CycleTimeUS      int64  `json:"cycle_time_us"`
	MaxRuntimeUS     int64  `json:"max_runtime_us"`
	MaxInputWaitUS   int64  `json:"max_input_wait_us"`
	RuntimeViolation string `json:"runtime_violation"`
	InputViolation   string `json:"input_violation"`
	NextDue          int64  `json:"next_due_us"`
	LastInvoked      int64  `json:"last_invoked_us"`
	Invocations      uint64 `json:"invocations"`
	Missed           uint64 `json:"missed"`
}

// EventResult is the body of POST /events/{event}.
type EventResult struct {
	Event   string `json:"event"`
	Outcome string `json:"outcome"`
	State   string `json:"state"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handlers struct {
	src    Source
	logger *slog.Logger
}

// NewRouter builds the chi router for src.
func NewRouter(src Source) http.Handler {
	h := &handlers{src: src, logger: src.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if src.Machine != nil {
		r.Get("/state", h.state)
		r.Post("/events/{event}", h.event)
	}
	if src.Clocks != nil {
		r.Get("/clock", h.clock)
	}
	if src.Scheduler != nil {
		r.Get("/jobs", h.jobs)
	}
	if src.Incidents != nil {
		r.Get("/incidents", h.incidents)
	}
	if src.Trigger != nil {
		r.Post("/trigger", h.trigger)
	}
	if src.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(src.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateView{
		Participant: h.src.Name,
		State:       h.src.Machine.GetState().String(),
		Standalone:  h.src.Machine.Standalone(),
	})
}

func (h *handlers) event(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event")
	ev, err := statemachine.ParseEvent(name)
	if err != nil {
		writeError(w, core.Errorf(core.CodeInvalidArgument, "introspect.event", "%v", err))
		return
	}
	outcome := h.src.Machine.RaiseEvent(ev)
	h.logger.Info("event raised over http", "event", ev, "outcome", outcome)
	writeJSON(w, http.StatusOK, EventResult{
		Event:   ev.String(),
		Outcome: outcome.String(),
		State:   h.src.Machine.GetState().String(),
	})
}

func (h *handlers) clock(w http.ResponseWriter, r *http.Request) {
	c := h.src.Clocks
	view := ClockView{
		Active:  c.GetActiveClockName(),
		Started: c.Started(),
		Time:    int64(c.GetTime()),
		Clocks:  c.Clocks(),
	}
	if active := c.Active(); active != nil {
		view.Kind = active.Kind().String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) jobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.src.Scheduler.Jobs()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobView{
			Name:             j.Name,
			CycleTimeUS:      int64(j.Config.CycleTime),
			MaxRuntimeUS:     j.Config.MaxRuntime.Microseconds(),
			MaxInputWaitUS:   int64(j.Config.MaxInputWait),
			RuntimeViolation: j.Config.RuntimeViolation.String(),
			InputViolation:   j.Config.InputViolation.String(),
			NextDue:          int64(j.NextDue),
			LastInvoked:      int64(j.LastInvoked),
			Invocations:      j.Invocations,
			Missed:           j.Missed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) incidents(w http.ResponseWriter, r *http.Request) {
	list := h.src.Incidents.Incidents()
	if list == nil {
		list = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.src.Trigger(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"time_us": int64(t)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeUnexpected
	}
	status := http.StatusInternalServerError
	switch code {
	case core.CodeInvalidArgument:
		status = http.StatusBadRequest
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeTimeout:
		status = http.StatusGatewayTimeout
	case core.CodeResourceInUse, core.CodeAlreadyExists, core.CodeFailed:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

// Serve runs an HTTP server for h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("introspection listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
