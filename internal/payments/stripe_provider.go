package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeProviderName = "stripe"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements Provider with Stripe Checkout Sessions. The local payment
// reference travels as client_reference_id; the session id is the provider reference.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	account       string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{sessions: sc.CheckoutSessions, refunds: sc.Refunds}
	}
	if clients.sessions == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Initialize creates a Checkout Session for the full order amount. Stripe redirects back to
// the callback URL with the local reference appended.
func (p *StripeProvider) Initialize(ctx context.Context, req InitializeRequest) (Session, error) {
	returnURL, err := withReference(req.CallbackURL, req.Reference)
	if err != nil {
		return Session{}, &ProviderError{Provider: stripeProviderName, Op: "initialize", Err: err}
	}

	description := req.Description
	if description == "" {
		description = "Order " + req.Reference
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(returnURL),
		CancelURL:         stripe.String(returnURL),
		ClientReferenceID: stripe.String(req.Reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
			},
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey("init-" + req.Reference)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("reference", req.Reference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Session{}, stripeError("initialize", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"reference": req.Reference,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return Session{
		Provider:         stripeProviderName,
		Reference:        req.Reference,
		ProviderRef:      session.ID,
		AuthorizationURL: session.URL,
		ExpiresAt:        expiresAt,
	}, nil
}

// Verify reads the Checkout Session recorded as the provider reference.
func (p *StripeProvider) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		// Initialization never reached Stripe, so nothing can have been paid.
		return Verification{Provider: stripeProviderName, Reference: req.Reference, Status: StatusPending, GatewayStatus: "not_initialized"}, nil
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(req.ProviderRef, params)
	if err != nil {
		return Verification{}, stripeError("verify", err)
	}
	return stripeVerification(req.Reference, session), nil
}

// Refund refunds the Payment Intent behind the Checkout Session.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(req.ProviderRef, params)
	if err != nil {
		return RefundResult{}, stripeError("refund", err)
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return RefundResult{}, &ProviderError{Provider: stripeProviderName, Op: "refund", Message: "session has no payment intent"}
	}

	refundParams := &stripe.RefundParams{PaymentIntent: stripe.String(session.PaymentIntent.ID)}
	refundParams.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		refundParams.SetIdempotencyKey(key)
	}
	if p.account != "" {
		refundParams.SetStripeAccount(p.account)
	}
	if req.AmountMinor != nil {
		refundParams.Amount = stripe.Int64(*req.AmountMinor)
	}
	refundParams.AddMetadata("reference", req.Reference)
	if req.Reason != "" {
		refundParams.AddMetadata("note", req.Reason)
	}

	refund, err := p.api.refunds.New(refundParams)
	if err != nil {
		return RefundResult{}, stripeError("refund", err)
	}
	p.logger(ctx, "payments.stripe.refunded", map[string]any{
		"reference": req.Reference,
		"refundId":  refund.ID,
	})
	return RefundResult{Provider: stripeProviderName, RefundID: refund.ID, Status: string(refund.Status)}, nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts client_reference_id from
// Checkout Session events.
func (p *StripeProvider) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if p.webhookSecret == "" {
		return WebhookEvent{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return WebhookEvent{Type: string(event.Type)}, ErrIgnoredEvent
	}

	var session stripe.CheckoutSession
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode webhook session for event %s", event.ID)
	}
	if strings.TrimSpace(session.ClientReferenceID) == "" {
		return WebhookEvent{Type: string(event.Type)}, ErrIgnoredEvent
	}
	return WebhookEvent{Provider: stripeProviderName, Type: string(event.Type), Reference: session.ClientReferenceID}, nil
}

func stripeVerification(reference string, session *stripe.CheckoutSession) Verification {
	out := Verification{
		Provider:      stripeProviderName,
		Reference:     reference,
		ProviderRef:   session.ID,
		Status:        StatusPending,
		AmountMinor:   session.AmountTotal,
		Currency:      strings.ToUpper(string(session.Currency)),
		GatewayStatus: fmt.Sprintf("%s/%s", session.Status, session.PaymentStatus),
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		out.Status = StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		out.Status = StatusFailed
	}
	return out
}

func stripeError(op string, err error) error {
	out := &ProviderError{Provider: stripeProviderName, Op: op, Transient: true, Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out.StatusCode = stripeErr.HTTPStatusCode
		out.Message = stripeErr.Msg
		out.Transient = stripeErr.HTTPStatusCode == 0 || transientStatus(stripeErr.HTTPStatusCode)
	}
	return out
}

func withReference(rawURL, reference string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", errors.New("callback url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("reference", reference)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
