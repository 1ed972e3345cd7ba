package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/payments"
	"github.com/hire-africa/docavailable-sub012/internal/session"
)

type RouterConfig struct {
	TextService *session.TextService
	CallService *session.CallService
	Payments    *payments.Service
	PgPool      *pgxpool.Pool
	Redis       *redis.Client
	Logger      *zap.Logger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/text-sessions", func(r chi.Router) {
		r.Post("/", startTextSessionHandler(cfg.TextService))
		r.Get("/{id}", textStatusHandler(cfg.TextService))
		r.Post("/{id}/patient-message", patientMessageHandler(cfg.TextService))
		r.Post("/{id}/doctor-message", doctorMessageHandler(cfg.TextService))
		r.Post("/{id}/end", endTextSessionHandler(cfg.TextService))
		r.Post("/{id}/cancel", cancelTextSessionHandler(cfg.TextService))
	})

	r.Route("/call-sessions", func(r chi.Router) {
		r.Post("/", startCallSessionHandler(cfg.CallService))
		r.Post("/{id}/answer", answerCallHandler(cfg.CallService))
		r.Post("/{id}/decline", declineCallHandler(cfg.CallService))
		r.Post("/{id}/connected", callConnectedHandler(cfg.CallService))
		r.Post("/{id}/deduction", callDeductionHandler(cfg.CallService))
		r.Post("/{id}/end", endCallSessionHandler(cfg.CallService))
	})

	r.Get("/sessions/{ref}", sessionByRefHandler(cfg.TextService, cfg.CallService))

	r.Route("/payments", func(r chi.Router) {
		r.Post("/initiate", initiatePaymentHandler(cfg.Payments))
		r.Post("/webhook", webhookHandler(cfg.Payments))
	})

	return r
}
