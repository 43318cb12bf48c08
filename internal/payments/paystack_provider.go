package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultPaystackBaseURL   = "https://api.paystack.co"
	paystackSignatureHeader  = "X-Paystack-Signature"
	paystackProviderName     = "paystack"
	maxPaystackResponseBytes = 1 << 20
)

// PaystackProviderConfig configures the PaystackProvider.
type PaystackProviderConfig struct {
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// PaystackProvider talks to the Paystack transaction API.
type PaystackProvider struct {
	secret  string
	baseURL string
	client  *http.Client
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewPaystackProvider constructs a Paystack provider. The default HTTP client is instrumented
// with OpenTelemetry.
func NewPaystackProvider(cfg PaystackProviderConfig) (*PaystackProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("paystack: secret key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("paystack: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaystackProvider{secret: secret, baseURL: baseURL, client: client, logger: logger}, nil
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackTransactionData struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
	PaidAt          string `json:"paid_at"`
}

type paystackRefundData struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Initialize creates a Paystack transaction and returns the hosted authorization URL.
func (p *PaystackProvider) Initialize(ctx context.Context, req InitializeRequest) (Session, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var data paystackInitializeData
	if _, err := p.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return Session{}, err
	}
	if data.AuthorizationURL == "" {
		return Session{}, &ProviderError{Provider: paystackProviderName, Op: "initialize", Message: "missing authorization url"}
	}
	p.logger(ctx, "payments.paystack.initialized", map[string]any{
		"reference": req.Reference,
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
	})
	return Session{
		Provider:         paystackProviderName,
		Reference:        req.Reference,
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
	}, nil
}

// Verify fetches the transaction by reference. A reference Paystack has never seen is reported
// as pending: the buyer cannot have paid it.
func (p *PaystackProvider) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	var data paystackTransactionData
	status, err := p.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(req.Reference), nil, &data)
	if err != nil {
		if status == http.StatusNotFound {
			return Verification{
				Provider:      paystackProviderName,
				Reference:     req.Reference,
				Status:        StatusPending,
				GatewayStatus: "not_found",
			}, nil
		}
		return Verification{}, err
	}

	out := Verification{
		Provider:      paystackProviderName,
		Reference:     data.Reference,
		ProviderRef:   fmt.Sprintf("%d", data.ID),
		Status:        mapPaystackStatus(data.Status),
		AmountMinor:   data.Amount,
		Currency:      strings.ToUpper(data.Currency),
		GatewayStatus: data.Status,
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	if data.PaidAt != "" {
		if paidAt, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			paidAt = paidAt.UTC()
			out.PaidAt = &paidAt
		}
	}
	return out, nil
}

// Refund refunds a transaction in full or in part.
func (p *PaystackProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	body := map[string]any{"transaction": req.Reference}
	if req.AmountMinor != nil {
		body["amount"] = *req.AmountMinor
	}
	if req.Reason != "" {
		body["merchant_note"] = req.Reason
	}
	var data paystackRefundData
	if _, err := p.do(ctx, "refund", http.MethodPost, "/refund", body, &data); err != nil {
		return RefundResult{}, err
	}
	p.logger(ctx, "payments.paystack.refunded", map[string]any{
		"reference": req.Reference,
		"refundId":  data.ID,
	})
	return RefundResult{Provider: paystackProviderName, RefundID: fmt.Sprintf("%d", data.ID), Status: data.Status}, nil
}

// ParseWebhook verifies X-Paystack-Signature (hex HMAC-SHA512 of the raw body keyed with the
// secret key) and extracts the transaction reference from charge events.
func (p *PaystackProvider) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	signature := strings.TrimSpace(header.Get(paystackSignatureHeader))
	if signature == "" {
		return WebhookEvent{}, ErrInvalidSignature
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return WebhookEvent{}, ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return WebhookEvent{}, ErrInvalidSignature
	}

	var event struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("paystack: decode webhook: %w", err)
	}
	if !strings.HasPrefix(event.Event, "charge.") || strings.TrimSpace(event.Data.Reference) == "" {
		return WebhookEvent{Type: event.Event}, ErrIgnoredEvent
	}
	return WebhookEvent{Provider: paystackProviderName, Type: event.Event, Reference: event.Data.Reference}, nil
}

// SignPaystackPayload computes the signature Paystack attaches to webhook deliveries.
func SignPaystackPayload(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *PaystackProvider) do(ctx context.Context, op, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, &ProviderError{Provider: paystackProviderName, Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return 0, &ProviderError{Provider: paystackProviderName, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &ProviderError{Provider: paystackProviderName, Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPaystackResponseBytes))
	if err != nil {
		return resp.StatusCode, &ProviderError{Provider: paystackProviderName, Op: op, StatusCode: resp.StatusCode, Transient: true, Err: err}
	}

	var envelope paystackEnvelope
	decodeErr := json.Unmarshal(raw, &envelope)
	if resp.StatusCode >= 300 || decodeErr != nil || !envelope.Status {
		msg := envelope.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &ProviderError{
			Provider:   paystackProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Message:    msg,
			Err:        decodeErr,
		}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return resp.StatusCode, &ProviderError{Provider: paystackProviderName, Op: op, StatusCode: resp.StatusCode, Message: "decode data", Err: err}
		}
	}
	return resp.StatusCode, nil
}

func mapPaystackStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return StatusSucceeded
	case "failed", "reversed":
		return StatusFailed
	default:
		// abandoned, ongoing, pending, processing, queued: the buyer may still complete.
		return StatusPending
	}
}
