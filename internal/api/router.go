package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Appointments  AppointmentService
	Billing       BillingService
	Auth          *Authenticator
	Checks        []Check
	Metrics       http.Handler // optional, served on /metrics
	WebhookSecret string
	Logger        zerolog.Logger
	Env           string
	Version       string

	// AllowUnsignedWebhooks accepts gateway callbacks without a signature while
	// WebhookSecret is empty. Only set in dev.
	AllowUnsignedWebhooks bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Gateway callbacks authenticate with a signature, not a bearer token
	r.Post("/webhooks/gateway", gatewayWebhookHandler(cfg.Billing, cfg.WebhookSecret, cfg.AllowUnsignedWebhooks))

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		// Appointment endpoints
		r.Route("/appointments", func(r chi.Router) {
			r.With(RequireRole(RolePatient)).Post("/", bookAppointmentHandler(cfg.Appointments))
			r.With(RequireRole(RoleAdmin)).Get("/", listAppointmentsHandler(cfg.Appointments))
			r.With(RequireRole(RolePatient)).Get("/mine", listMyAppointmentsHandler(cfg.Appointments))
			r.With(RequireRole(RoleDoctor)).Get("/schedule", listScheduleHandler(cfg.Appointments))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
			r.With(RequireRole(RolePatient)).Patch("/{id}", rescheduleAppointmentHandler(cfg.Appointments))
			r.With(RequireRole(RolePatient)).Post("/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
			r.With(RequireRole(RoleAdmin, RoleDoctor)).Post("/{id}/status", setStatusHandler(cfg.Appointments))
		})

		// Billing endpoints
		r.Route("/receipts", func(r chi.Router) {
			r.With(RequireRole(RoleAdmin)).Post("/", createReceiptHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin, RolePatient)).Get("/", listReceiptsHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin, RolePatient)).Get("/{id}", getReceiptHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin, RolePatient)).Post("/{id}/card-payments", startCardPaymentHandler(cfg.Billing))
		})
		r.With(RequireRole(RoleAdmin, RolePatient)).Post("/card-payments/{id}/confirm", confirmCardPaymentHandler(cfg.Billing))

		r.Route("/claims", func(r chi.Router) {
			r.With(RequireRole(RoleAdmin, RolePatient)).Post("/", submitClaimHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin)).Post("/{id}/resolve", resolveClaimHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin)).Delete("/{id}", deleteClaimHandler(cfg.Billing))
		})
		r.Route("/fundings", func(r chi.Router) {
			r.With(RequireRole(RoleAdmin, RolePatient)).Post("/", submitFundingHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin)).Post("/{id}/resolve", resolveFundingHandler(cfg.Billing))
			r.With(RequireRole(RoleAdmin)).Delete("/{id}", deleteFundingHandler(cfg.Billing))
		})

		r.With(RequireRole(RoleAdmin)).Get("/billing/dashboard", dashboardHandler(cfg.Billing))
	})

	return r
}
