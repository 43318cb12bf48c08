package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/platform/idempotency"
	"github.com/harvest-market/api/internal/services"
)

type stubCheckoutService struct {
	calls int
	fn    func(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutSession, error)
}

func (s *stubCheckoutService) Initiate(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutSession, error) {
	s.calls++
	if s.fn != nil {
		return s.fn(ctx, cmd)
	}
	return services.CheckoutSession{}, errors.New("not implemented")
}

type stubPaymentService struct {
	reconcileFn func(ctx context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error)
	sweepFn     func(ctx context.Context, cmd services.ReconcilePendingCommand) (services.SweepResult, error)
	refundFn    func(ctx context.Context, cmd services.RefundPaymentCommand) (services.Payment, error)
	reconciled  []services.ReconcileCommand
}

func (s *stubPaymentService) Reconcile(ctx context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error) {
	s.reconciled = append(s.reconciled, cmd)
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) ReconcilePending(ctx context.Context, cmd services.ReconcilePendingCommand) (services.SweepResult, error) {
	if s.sweepFn != nil {
		return s.sweepFn(ctx, cmd)
	}
	return services.SweepResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) Refund(ctx context.Context, cmd services.RefundPaymentCommand) (services.Payment, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.Payment{}, errors.New("not implemented")
}

func newPaymentRouter(checkout services.CheckoutService, payments services.PaymentService, opts ...PaymentOption) chi.Router {
	router := chi.NewRouter()
	router.Group(NewPaymentHandlers(nil, checkout, payments, opts...).Routes)
	return router
}

func TestPaymentHandlersInitiate(t *testing.T) {
	var captured services.InitiateCheckoutCommand
	checkout := &stubCheckoutService{fn: func(_ context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutSession, error) {
		captured = cmd
		return services.CheckoutSession{
			Status:           true,
			AuthorizationURL: "https://checkout.paystack.com/abc",
			Reference:        "hm_01hx",
			OrderID:          "ord-1",
			OrderNumber:      "HM-2026-000001",
			AmountMinor:      22500,
			Currency:         "NGN",
			Provider:         "paystack",
		}, nil
	}}

	req := withUser(httptest.NewRequest(http.MethodPost, "/payment/initiate", strings.NewReader(`{"amount":22500}`)), "user-7")
	rr := httptest.NewRecorder()
	newPaymentRouter(checkout, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-7" || captured.Email != "user-7@example.com" {
		t.Fatalf("identity not threaded into command: %#v", captured)
	}
	if captured.ExpectedAmountMinor == nil || *captured.ExpectedAmountMinor != 22500 {
		t.Fatalf("expected amount to be forwarded, got %v", captured.ExpectedAmountMinor)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != true || body["authorization_url"] != "https://checkout.paystack.com/abc" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["reference"] != "hm_01hx" || body["order_id"] != "ord-1" || body["order_number"] != "HM-2026-000001" {
		t.Fatalf("unexpected identifiers %v", body)
	}
}

func TestPaymentHandlersInitiateEmptyBodyAndExplicitEmail(t *testing.T) {
	var captured services.InitiateCheckoutCommand
	checkout := &stubCheckoutService{fn: func(_ context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutSession, error) {
		captured = cmd
		return services.CheckoutSession{Status: true}, nil
	}}
	router := newPaymentRouter(checkout, nil)

	req := withUser(httptest.NewRequest(http.MethodPost, "/payment/initiate", nil), "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty body, got %d", rr.Code)
	}
	if captured.ExpectedAmountMinor != nil {
		t.Fatalf("expected no client amount")
	}

	req = withUser(httptest.NewRequest(http.MethodPost, "/payment/initiate", strings.NewReader(`{"email":"billing@example.com","provider":"stripe"}`)), "user-7")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if captured.Email != "billing@example.com" || captured.Provider != "stripe" {
		t.Fatalf("unexpected command %#v", captured)
	}
}

func TestPaymentHandlersInitiateErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrCheckoutEmptyCart, http.StatusBadRequest, "empty_cart"},
		{services.ErrCheckoutInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{services.ErrCheckoutCouponExpired, http.StatusBadRequest, "coupon_expired"},
		{services.ErrCheckoutAmountMismatch, http.StatusConflict, "amount_mismatch"},
		{fmt.Errorf("%w: prod-1", services.ErrCheckoutInsufficientStock), http.StatusConflict, "insufficient_stock"},
		{fmt.Errorf("%w: timeout", services.ErrPaymentInitiationFailed), http.StatusBadGateway, "payment_gateway_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			checkout := &stubCheckoutService{fn: func(context.Context, services.InitiateCheckoutCommand) (services.CheckoutSession, error) {
				return services.CheckoutSession{}, tc.err
			}}
			req := withUser(httptest.NewRequest(http.MethodPost, "/payment/initiate", nil), "user-7")
			rr := httptest.NewRecorder()
			newPaymentRouter(checkout, nil).ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body := decodeErrorBody(t, rr); body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestPaymentHandlersInitiateReplaysIdempotentRequests(t *testing.T) {
	checkout := &stubCheckoutService{fn: func(context.Context, services.InitiateCheckoutCommand) (services.CheckoutSession, error) {
		return services.CheckoutSession{Status: true, Reference: "hm_once", OrderID: "ord-1"}, nil
	}}
	store := idempotency.NewMemoryStore()
	router := newPaymentRouter(checkout, nil, WithInitiateIdempotency(idempotency.Middleware(store)))

	var bodies []string
	for i := 0; i < 2; i++ {
		req := withUser(httptest.NewRequest(http.MethodPost, "/payment/initiate", strings.NewReader(`{"amount":22500}`)), "user-7")
		req.Header.Set("Idempotency-Key", "checkout-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
		if i == 1 && rr.Header().Get("Idempotent-Replayed") != "true" {
			t.Fatalf("expected replay header on second attempt")
		}
	}
	if checkout.calls != 1 {
		t.Fatalf("expected a single checkout, got %d", checkout.calls)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("replayed body differs: %q vs %q", bodies[0], bodies[1])
	}
}

func TestPaymentHandlersCallback(t *testing.T) {
	svc := &stubPaymentService{reconcileFn: func(_ context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error) {
		return services.ReconcileResult{
			Order:   services.Order{ID: "ord-1", Number: "HM-2026-000001", Status: domain.OrderStatusPaid, PaymentStatus: domain.PaymentStatusCompleted},
			Payment: services.Payment{Reference: cmd.Reference, OrderID: "ord-1", Status: domain.PaymentStatusCompleted},
			Changed: true,
		}, nil
	}}
	router := newPaymentRouter(nil, svc)

	req := httptest.NewRequest(http.MethodGet, "/payment/callback?trxref=hm_ref&reference=hm_ref", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.reconciled) != 1 || svc.reconciled[0].Reference != "hm_ref" || svc.reconciled[0].Source != services.ReconcileSourceCallback {
		t.Fatalf("unexpected reconcile calls %#v", svc.reconciled)
	}
	var body paymentCallbackResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Status || body.OrderID != "ord-1" || body.PaymentStatus != "completed" || body.OrderStatus != "paid" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestPaymentHandlersCallbackFailedAndPending(t *testing.T) {
	result := services.ReconcileResult{
		Order:   services.Order{ID: "ord-1", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusFailed},
		Payment: services.Payment{Reference: "hm_ref", Status: domain.PaymentStatusFailed},
	}
	svc := &stubPaymentService{reconcileFn: func(context.Context, services.ReconcileCommand) (services.ReconcileResult, error) {
		return result, nil
	}}
	router := newPaymentRouter(nil, svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/callback?reference=hm_ref", nil))
	var body paymentCallbackResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusOK || body.Status || body.PaymentStatus != "failed" {
		t.Fatalf("unexpected failed callback %d %#v", rr.Code, body)
	}

	result = services.ReconcileResult{
		Order:   services.Order{ID: "ord-1", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending},
		Payment: services.Payment{Reference: "hm_ref", Status: domain.PaymentStatusPending},
		Pending: true,
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/callback?reference=hm_ref", nil))
	body = paymentCallbackResponse{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status || !body.Pending || body.PaymentStatus != "pending" {
		t.Fatalf("unexpected pending callback %#v", body)
	}
}

func TestPaymentHandlersCallbackErrors(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		err    error
		status int
		code   string
	}{
		{"missing reference", "", nil, http.StatusBadRequest, "missing_reference"},
		{"unknown reference", "?reference=hm_forged", services.ErrPaymentUnknownReference, http.StatusNotFound, "unknown_reference"},
		{"verification down", "?reference=hm_ref", fmt.Errorf("%w: timeout", services.ErrPaymentVerificationUnavailable), http.StatusServiceUnavailable, "verification_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPaymentService{reconcileFn: func(context.Context, services.ReconcileCommand) (services.ReconcileResult, error) {
				return services.ReconcileResult{}, tc.err
			}}
			rr := httptest.NewRecorder()
			newPaymentRouter(nil, svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/callback"+tc.query, nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body := decodeErrorBody(t, rr); body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func newWebhookRouter(t *testing.T, svc services.PaymentService) chi.Router {
	t.Helper()
	paystack, err := payments.NewPaystackProvider(payments.PaystackProviderConfig{SecretKey: "sk_test_webhook"})
	if err != nil {
		t.Fatalf("NewPaystackProvider: %v", err)
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"paystack": paystack})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	router := chi.NewRouter()
	router.Route("/webhooks", NewWebhookHandlers(manager, svc, 0).Routes)
	return router
}

func TestWebhookHandlersPaystack(t *testing.T) {
	svc := &stubPaymentService{reconcileFn: func(_ context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error) {
		return services.ReconcileResult{Payment: services.Payment{Reference: cmd.Reference, Status: domain.PaymentStatusCompleted}, Changed: true}, nil
	}}
	router := newWebhookRouter(t, svc)
	payload := []byte(`{"event":"charge.success","data":{"reference":"hm_webhook","amount":1}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/paystack", strings.NewReader(string(payload)))
	req.Header.Set("X-Paystack-Signature", payments.SignPaystackPayload("sk_test_webhook", payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.reconciled) != 1 || svc.reconciled[0].Reference != "hm_webhook" || svc.reconciled[0].Source != services.ReconcileSourceWebhook {
		t.Fatalf("unexpected reconcile calls %#v", svc.reconciled)
	}
	var body webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "processed" {
		t.Fatalf("expected processed, got %s", body.Status)
	}
}

func TestWebhookHandlersRejectsBadSignature(t *testing.T) {
	svc := &stubPaymentService{}
	router := newWebhookRouter(t, svc)
	payload := `{"event":"charge.success","data":{"reference":"hm_webhook"}}`

	for name, signature := range map[string]string{
		"missing": "",
		"forged":  payments.SignPaystackPayload("sk_other", []byte(payload)),
		"garbage": "not-hex",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/paystack", strings.NewReader(payload))
			if signature != "" {
				req.Header.Set("X-Paystack-Signature", signature)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
	if len(svc.reconciled) != 0 {
		t.Fatalf("unsigned deliveries must not reconcile")
	}
}

func TestWebhookHandlersIgnoredUnknownAndTransient(t *testing.T) {
	svc := &stubPaymentService{reconcileFn: func(context.Context, services.ReconcileCommand) (services.ReconcileResult, error) {
		return services.ReconcileResult{}, services.ErrPaymentVerificationUnavailable
	}}
	router := newWebhookRouter(t, svc)

	ignored := []byte(`{"event":"transfer.success","data":{"reference":"tr_1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/paystack", strings.NewReader(string(ignored)))
	req.Header.Set("X-Paystack-Signature", payments.SignPaystackPayload("sk_test_webhook", ignored))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ignored") {
		t.Fatalf("expected ignored 200, got %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/moneybags", strings.NewReader(`{}`)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unsupported provider, got %d", rr.Code)
	}

	charge := []byte(`{"event":"charge.success","data":{"reference":"hm_webhook"}}`)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments/paystack", strings.NewReader(string(charge)))
	req.Header.Set("X-Paystack-Signature", payments.SignPaystackPayload("sk_test_webhook", charge))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the gateway retries, got %d", rr.Code)
	}
}
