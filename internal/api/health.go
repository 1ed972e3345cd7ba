package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	pgPool  *pgxpool.Pool
	redis   *redis.Client
	env     string
	version string
}

func NewHealthHandler(pgPool *pgxpool.Pool, redis *redis.Client, env, version string) *HealthHandler {
	return &HealthHandler{pgPool: pgPool, redis: redis, env: env, version: version}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

// Readiness pings Postgres and Redis with a short deadline each. Redis
// being down degrades the service (locks and delayed promotions fall
// back to the sweep) but Postgres being down fails it.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]string)
	status := "ok"

	if err := h.ping(r.Context(), h.pgPool.Ping); err != nil {
		deps["postgres"] = "down"
		status = "error"
	} else {
		deps["postgres"] = "ok"
	}

	if err := h.ping(r.Context(), func(ctx context.Context) error {
		return h.redis.Ping(ctx).Err()
	}); err != nil {
		deps["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		deps["redis"] = "ok"
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	})
}

func (h *HealthHandler) ping(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return fn(ctx)
}
