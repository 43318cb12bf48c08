package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/platform/auth"
	"github.com/harvest-market/api/internal/platform/httpx"
	"github.com/harvest-market/api/internal/platform/observability"
	"github.com/harvest-market/api/internal/platform/requestctx"
	"github.com/harvest-market/api/internal/services"
)

const maxInitiateBodySize = 2 * 1024

// PaymentHandlers exposes checkout initiation and the buyer-facing gateway callback.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
	limiter     func(http.Handler) http.Handler
}

// PaymentOption customises payment handler construction.
type PaymentOption func(*PaymentHandlers)

// WithInitiateIdempotency installs the Idempotency-Key middleware on checkout initiation.
func WithInitiateIdempotency(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// WithPaymentRateLimit throttles both payment endpoints.
func WithPaymentRateLimit(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.limiter = mw
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, checkout services.CheckoutService, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		checkout: checkout,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /payment/initiate (authenticated) and /payment/callback (public).
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	var initiate []func(http.Handler) http.Handler
	if h.authn != nil {
		initiate = append(initiate, h.authn.RequireUser())
	}
	var callback []func(http.Handler) http.Handler
	if h.limiter != nil {
		initiate = append(initiate, h.limiter)
		callback = append(callback, h.limiter)
	}
	if h.idempotency != nil {
		initiate = append(initiate, h.idempotency)
	}
	r.With(initiate...).Post("/payment/initiate", h.initiate)
	r.With(callback...).Get("/payment/callback", h.callback)
}

type initiatePaymentRequest struct {
	Amount   *int64 `json:"amount"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

type initiatePaymentResponse struct {
	Status           bool   `json:"status"`
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
	OrderID          string `json:"order_id"`
	OrderNumber      string `json:"order_number"`
	AmountMinor      int64  `json:"amount"`
	Currency         string `json:"currency"`
	Provider         string `json:"provider,omitempty"`
	Resumed          bool   `json:"resumed,omitempty"`
}

type paymentCallbackResponse struct {
	Status        bool   `json:"status"`
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number,omitempty"`
	OrderStatus   string `json:"order_status,omitempty"`
	PaymentStatus string `json:"payment_status"`
	Pending       bool   `json:"pending,omitempty"`
}

func (h *PaymentHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if err := decodeJSONBody(r, maxInitiateBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = identity.Email
	}

	session, err := h.checkout.Initiate(ctx, services.InitiateCheckoutCommand{
		UserID:              identity.UID,
		Email:               email,
		ExpectedAmountMinor: req.Amount,
		Provider:            strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, initiatePaymentResponse{
		Status:           session.Status,
		AuthorizationURL: session.AuthorizationURL,
		Reference:        session.Reference,
		OrderID:          session.OrderID,
		OrderNumber:      session.OrderNumber,
		AmountMinor:      session.AmountMinor,
		Currency:         session.Currency,
		Provider:         session.Provider,
		Resumed:          session.Resumed,
	})
}

// callback is hit by the buyer's browser after the hosted payment page. The query string is
// only a hint; the outcome always comes from gateway verification.
func (h *PaymentHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}

	query := r.URL.Query()
	reference := strings.TrimSpace(query.Get("reference"))
	if reference == "" {
		reference = strings.TrimSpace(query.Get("trxref"))
	}
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("missing_reference", "reference query parameter is required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.Reconcile(ctx, services.ReconcileCommand{
		Reference: reference,
		Source:    services.ReconcileSourceCallback,
	})
	if err != nil {
		requestctx.Logger(ctx).Info("payment callback rejected",
			zap.String("reference", observability.MaskReference(reference)),
			zap.String("errorClass", string(services.Classify(err))),
		)
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, buildCallbackResponse(result))
}

func buildCallbackResponse(result services.ReconcileResult) paymentCallbackResponse {
	paymentStatus := string(result.Payment.Status)
	if paymentStatus == "" {
		paymentStatus = string(result.Order.PaymentStatus)
	}
	orderID := result.Order.ID
	if orderID == "" {
		orderID = result.Payment.OrderID
	}
	return paymentCallbackResponse{
		Status:        paymentStatus == string(domain.PaymentStatusCompleted),
		OrderID:       orderID,
		OrderNumber:   result.Order.Number,
		OrderStatus:   string(result.Order.Status),
		PaymentStatus: paymentStatus,
		Pending:       result.Pending,
	}
}
