package sync

import (
	"context"
	"net/http"
	gosync "sync"

	"github.com/mmdatafocus/pitix_terminal/config"
)

// Router decides, per outgoing sync window, whether this terminal talks to
// the backend directly or via its parent terminal. The mode is computed from
// configuration plus an active probe, never read back from storage.
type Router struct {
	cfg   config.Terminal
	probe *http.Client

	mu   gosync.Mutex
	last RoutingState
}

func NewRouter(cfg config.Terminal) *Router {
	return &Router{
		cfg:   cfg,
		probe: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Decide recomputes the routing state. Main terminals always go direct; a
// satellite prefers a reachable parent (lower latency, works through partial
// backend outages) and falls back to the backend otherwise.
func (r *Router) Decide(ctx context.Context) RoutingState {
	state := RoutingState{
		TerminalType:     r.cfg.TerminalType,
		ParentTerminalId: r.cfg.ParentTerminalId,
	}

	if r.cfg.IsMain() {
		state.RoutingMode = RoutingModeMain
		return r.remember(state)
	}

	if r.cfg.ParentURL != "" && r.probeParent(ctx) {
		state.ParentReachable = true
		state.RoutingMode = RoutingModeParent
		return r.remember(state)
	}

	state.RoutingMode = RoutingModeDirect
	return r.remember(state)
}

// RediscoverParent forces an immediate re-probe. Used after configuration
// changes so a satellite does not wait for the next drain window.
func (r *Router) RediscoverParent(ctx context.Context) RoutingState {
	return r.Decide(ctx)
}

// Last returns the most recently computed state for status reporting.
func (r *Router) Last() RoutingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last.RoutingMode == "" {
		return RoutingState{
			TerminalType:     r.cfg.TerminalType,
			ParentTerminalId: r.cfg.ParentTerminalId,
			RoutingMode:      RoutingModeOffline,
		}
	}
	return r.last
}

func (r *Router) remember(state RoutingState) RoutingState {
	r.mu.Lock()
	r.last = state
	r.mu.Unlock()
	return state
}

// probeParent actively checks the parent, not just the last successful
// message: a parent that answered a minute ago may be gone now.
func (r *Router) probeParent(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.ParentURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// BaseURL maps a routing state onto the base the client should call. Via a
// parent, requests go to the parent's relay prefix and the parent forwards
// with its own credential.
func (r *Router) BaseURL(state RoutingState) string {
	if state.RoutingMode == RoutingModeParent {
		return r.cfg.ParentURL + "/relay"
	}
	return r.cfg.BackendURL
}
