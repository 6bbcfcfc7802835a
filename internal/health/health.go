// Package health exposes the engine's liveness and readiness probes.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz
// walks the registered probes and answers 503 until every one passes,
// which keeps the orchestrator from routing panel traffic here while
// the PBX event stream is still coming up.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe. Probes run in parallel,
// so a stuck dependency delays the whole response by at most this much.
const probeTimeout = 3 * time.Second

// Probe is one named readiness dependency.
type Probe struct {
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// Stream probes the ARI event stream connection. Without it the engine
// receives no channel events and cannot run calls.
func Stream(connected func() bool) Probe {
	return Probe{Name: "stream", Check: func(context.Context) error {
		if !connected() {
			return errors.New("event stream disconnected")
		}
		return nil
	}}
}

// Endpoint probes an HTTP dependency with a GET against its base URL.
// Any response below 500 proves reachability; the dependency's own
// application errors are not this probe's business.
func Endpoint(name, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{Name: name, Check: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s answered %d", name, resp.StatusCode)
		}
		return nil
	}}
}

// report is the JSON body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the
// probe list is fixed at construction.
type Handler struct {
	probes  []Probe
	started time.Time
}

// New builds a Handler over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: slices.Clone(probes), started: time.Now()}
}

// Healthz is the liveness probe: a process that can answer is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every probe in parallel, each under its own timeout, and
// answers 503 with per-probe detail unless all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.probes))
		ready  = true
	)
	for _, p := range h.probes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := p.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[p.Name] = err.Error()
				ready = false
			} else {
				checks[p.Name] = "ok"
			}
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
