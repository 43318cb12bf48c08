package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/platform/httpx"
	"github.com/harvest-market/api/internal/platform/observability"
	"github.com/harvest-market/api/internal/platform/requestctx"
	"github.com/harvest-market/api/internal/services"
)

const defaultWebhookBodySize = 64 * 1024

// WebhookParser verifies a provider delivery and extracts the payment reference.
type WebhookParser interface {
	ParseWebhook(provider string, payload []byte, header http.Header) (payments.WebhookEvent, error)
}

// WebhookHandlers accepts signed payment notifications from the gateways.
type WebhookHandlers struct {
	parser   WebhookParser
	payments services.PaymentService
	maxBody  int64
}

// NewWebhookHandlers constructs webhook handlers. maxBody <= 0 uses the default limit.
func NewWebhookHandlers(parser WebhookParser, payments services.PaymentService, maxBody int64) *WebhookHandlers {
	if maxBody <= 0 {
		maxBody = defaultWebhookBodySize
	}
	return &WebhookHandlers{parser: parser, payments: payments, maxBody: maxBody}
}

// Routes registers the provider webhook endpoints under the /webhooks group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePayment)
}

type webhookResponse struct {
	Status string `json:"status"`
}

func (h *WebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	logger := requestctx.Logger(ctx).With(zap.String("provider", provider))

	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.parser.ParseWebhook(provider, body, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrInvalidSignature):
		logger.Warn("webhook signature rejected")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider not supported", http.StatusNotFound))
		return
	case errors.Is(err, payments.ErrIgnoredEvent):
		logger.Debug("webhook event ignored", zap.String("eventType", event.Type))
		writeJSONResponse(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	default:
		logger.Warn("webhook payload rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	}

	logger = logger.With(
		zap.String("eventType", event.Type),
		zap.String("reference", observability.MaskReference(event.Reference)),
	)
	result, err := h.payments.Reconcile(ctx, services.ReconcileCommand{
		Reference: event.Reference,
		Source:    services.ReconcileSourceWebhook,
	})
	if err != nil {
		logger.Warn("webhook reconciliation failed", zap.String("errorClass", string(services.Classify(err))))
		writeServiceError(ctx, w, err)
		return
	}

	status := "processed"
	switch {
	case result.Pending:
		status = "pending"
	case !result.Changed:
		status = "duplicate"
	}
	logger.Info("webhook reconciled", zap.String("outcome", status), zap.String("paymentStatus", string(result.Payment.Status)))
	writeJSONResponse(w, http.StatusOK, webhookResponse{Status: status})
}
