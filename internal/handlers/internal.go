package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harvest-market/api/internal/platform/auth"
	"github.com/harvest-market/api/internal/platform/httpx"
	"github.com/harvest-market/api/internal/platform/requestctx"
	"github.com/harvest-market/api/internal/services"
)

const maxInternalBodySize = 1024

// InternalHandlers serves scheduler-triggered maintenance endpoints. The /internal group
// is protected by OIDC middleware installed by the router.
type InternalHandlers struct {
	payments   services.PaymentService
	sweepAge   time.Duration
	sweepLimit int
}

// NewInternalHandlers constructs internal handlers with the configured sweep defaults.
func NewInternalHandlers(payments services.PaymentService, sweepAge time.Duration, sweepLimit int) *InternalHandlers {
	return &InternalHandlers{payments: payments, sweepAge: sweepAge, sweepLimit: sweepLimit}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/reconcile-pending", h.reconcilePending)
}

type reconcilePendingRequest struct {
	OlderThanSeconds *int `json:"older_than_seconds"`
	Limit            *int `json:"limit"`
}

type sweepResponse struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

func (h *InternalHandlers) reconcilePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}

	var req reconcilePendingRequest
	if err := decodeJSONBody(r, maxInternalBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.ReconcilePendingCommand{OlderThan: h.sweepAge, Limit: h.sweepLimit}
	if req.OlderThanSeconds != nil {
		if *req.OlderThanSeconds < 0 {
			httpx.WriteError(ctx, w, httpx.NewError(errorCodeBadBody, "older_than_seconds must not be negative", http.StatusBadRequest))
			return
		}
		cmd.OlderThan = time.Duration(*req.OlderThanSeconds) * time.Second
	}
	if req.Limit != nil {
		cmd.Limit = *req.Limit
	}

	result, err := h.payments.ReconcilePending(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	fields := []zap.Field{
		zap.Int("scanned", result.Scanned),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("errors", result.Errors),
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		fields = append(fields, zap.String("caller", svc.Email))
	}
	requestctx.Logger(ctx).Info("pending payment sweep finished", fields...)

	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Scanned:   result.Scanned,
		Completed: result.Completed,
		Failed:    result.Failed,
		Pending:   result.Pending,
		Errors:    result.Errors,
	})
}
