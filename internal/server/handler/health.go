package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
)

// BreakerStatus exposes a breaker's state. *breaker.Breaker satisfies it.
type BreakerStatus interface {
	Name() string
	Snapshot() breaker.Snapshot
}

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler reports liveness, breaker state and dependency checks.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	breakers  []BreakerStatus
	checks    map[string]Check
	timeout   time.Duration
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mode string, logger *slog.Logger, breakers ...BreakerStatus) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		mode:      mode,
		startedAt: time.Now(),
		breakers:  breakers,
		checks:    make(map[string]Check),
		timeout:   2 * time.Second,
		logger:    logger,
	}
}

// WithCheck registers a dependency probe (postgres, redis, s3).
func (h *HealthHandler) WithCheck(name string, c Check) *HealthHandler {
	h.checks[name] = c
	return h
}

type healthResponse struct {
	Status        string                      `json:"status"`
	Mode          string                      `json:"mode"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Breakers      map[string]breaker.Snapshot `json:"breakers"`
	Checks        map[string]string           `json:"checks,omitempty"`
	Timestamp     string                      `json:"timestamp"`
}

// HealthCheck answers 200 when every dependency check passes and no breaker
// is open, 503 otherwise. The body is the same in both cases.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Breakers:      make(map[string]breaker.Snapshot, len(h.breakers)),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, b := range h.breakers {
		snap := b.Snapshot()
		resp.Breakers[b.Name()] = snap
		if snap.State == breaker.StateOpen {
			resp.Status = "degraded"
		}
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)
		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				h.logger.WarnContext(ctx, "handler: health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
