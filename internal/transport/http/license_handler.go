package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "trialguard/internal/errors"
	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
	"trialguard/internal/middleware"
)

// LicenseService is the part of the license guard the handler needs.
type LicenseService interface {
	Status(ctx context.Context) license.Status
	Activate(ctx context.Context, key string) (bool, error)
	Tick(ctx context.Context) license.Verdict
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service  LicenseService
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("handler", "license")),
		tracer:   otel.Tracer("license-handler"),
	}
}

// ActivationRequest is the body of POST /api/license/activate.
type ActivationRequest struct {
	Key string `json:"key" validate:"required,max=256"`
}

// Bind implements render.Binder.
func (a *ActivationRequest) Bind(r *http.Request) error {
	a.Key = strings.TrimSpace(a.Key)
	return nil
}

// ActivationResponse reports the outcome of an activation.
type ActivationResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Status    license.Status `json:"status"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	return r
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/status"),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
	defer span.End()

	status := h.service.Status(ctx)
	span.SetAttributes(
		attribute.String("license.verdict", status.Verdict),
		attribute.Int("license.remaining_days", status.RemainingCalendarDays),
	)
	render.JSON(w, r, status)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
	defer span.End()

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		h.logger.WarnContext(ctx, "failed to decode activation request", slog.String("error", err.Error()))
		render.Render(w, r, apperrors.ErrInvalidRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		render.Render(w, r, apperrors.NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED",
			"Request validation failed", validationDetails(err)))
		return
	}

	ok, err := h.service.Activate(ctx, req.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		h.logger.ErrorContext(ctx, "license activation failed", slog.String("error", err.Error()))
		render.Render(w, r, apperrors.ToAPIError(err))
		return
	}
	if !ok {
		span.SetAttributes(attribute.String("license.result", "invalid_key"))
		render.Render(w, r, apperrors.ToAPIError(apperrors.ErrInvalidActivationKey))
		return
	}

	// Re-evaluate right away so the overlay unlocks without waiting for
	// the next watchdog tick.
	h.service.Tick(ctx)
	span.SetAttributes(attribute.String("license.result", "success"))
	span.SetStatus(codes.Ok, "")

	h.logger.InfoContext(ctx, "license activated via api")
	render.JSON(w, r, ActivationResponse{
		Success:   true,
		Message:   "License activated",
		Status:    h.service.Status(ctx),
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	})
}

func validationDetails(err error) map[string]string {
	details := make(map[string]string)
	if errs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range errs {
			details[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return details
}
