package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/copypaste/relay-server-go/internal/config"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

// HealthHandler answers liveness checks. Backing services are optional, so
// only the ones registered are checked; a failing one turns the answer into 503.
type HealthHandler struct {
	names  []string
	checks map[string]HealthCheck
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{checks: make(map[string]HealthCheck)}
}

func (h *HealthHandler) Register(name string, check HealthCheck) {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.PingTimeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]string, len(h.names))
	healthy := true

	var g errgroup.Group
	for _, name := range h.names {
		check := h.checks[name]
		g.Go(func() error {
			status := "ok"
			if err := check(ctx); err != nil {
				log.Warn().Err(err).Str("check", name).Msg("health check failed")
				status = "unavailable"
			}
			mu.Lock()
			results[name] = status
			if status != "ok" {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	}
	if len(results) > 0 {
		resp["checks"] = results
	}

	status := http.StatusOK
	if !healthy {
		resp["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
