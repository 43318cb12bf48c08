package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the buyer has not finished or the gateway has not settled yet.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the charge as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a final failure.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the charge has been refunded.
	StatusRefunded Status = "refunded"
)

const (
	defaultCallTimeout      = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// InitializeRequest captures the payload required to start a hosted payment.
type InitializeRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	Email       string
	CallbackURL string
	Description string
	Metadata    map[string]string
}

// Session is the gateway's answer to an initialization: where to send the buyer.
type Session struct {
	Provider         string
	Reference        string
	ProviderRef      string
	AuthorizationURL string
	AccessCode       string
	ExpiresAt        time.Time
}

// VerifyRequest identifies the transaction to verify.
type VerifyRequest struct {
	Reference   string
	ProviderRef string
}

// Verification is the gateway's authoritative view of a transaction.
type Verification struct {
	Provider      string
	Reference     string
	ProviderRef   string
	Status        Status
	AmountMinor   int64
	Currency      string
	GatewayStatus string
	PaidAt        *time.Time
}

// RefundRequest defines a refund attempt. A nil AmountMinor refunds in full.
type RefundRequest struct {
	Reference      string
	ProviderRef    string
	AmountMinor    *int64
	Reason         string
	IdempotencyKey string
}

// RefundResult summarises the refund created by the gateway.
type RefundResult struct {
	Provider string
	RefundID string
	Status   string
}

// WebhookEvent is the minimal information extracted from a verified webhook delivery. The
// payload is never trusted for the payment outcome; only the reference is used.
type WebhookEvent struct {
	Provider  string
	Type      string
	Reference string
}

// Provider defines the contract for gateway adapters.
type Provider interface {
	Initialize(ctx context.Context, req InitializeRequest) (Session, error)
	Verify(ctx context.Context, req VerifyRequest) (Verification, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error)
}

// Manager coordinates provider selection and guards gateway calls with a timeout and a
// per-provider circuit breaker.
type Manager struct {
	providers       map[string]Provider
	breakers        map[string]*gobreaker.CircuitBreaker[any]
	defaultProvider string
	currencyRoutes  map[string]string
	timeout         time.Duration
	threshold       uint32
	cooldown        time.Duration
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// WithCallTimeout bounds every gateway call.
func WithCallTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithCircuitBreaker configures how many consecutive transient failures open a provider's
// breaker and how long it stays open.
func WithCircuitBreaker(threshold uint32, cooldown time.Duration) ManagerOption {
	return func(m *Manager) {
		if threshold > 0 {
			m.threshold = threshold
		}
		if cooldown > 0 {
			m.cooldown = cooldown
		}
	}
}

// WithManagerLogger wires structured logging for breaker state changes.
func WithManagerLogger(logger func(ctx context.Context, event string, fields map[string]any)) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[any], len(providers)),
		timeout:   defaultCallTimeout,
		threshold: defaultBreakerThreshold,
		cooldown:  defaultBreakerCooldown,
		logger:    func(context.Context, string, map[string]any) {},
	}
	for k, v := range providers {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		m.providers[key] = v
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	for key := range m.providers {
		m.breakers[key] = m.newBreaker(key)
	}
	return m, nil
}

func (m *Manager) newBreaker(key string) *gobreaker.CircuitBreaker[any] {
	threshold := m.threshold
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "payments." + key,
		MaxRequests: 1,
		Timeout:     m.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections such as invalid input must not open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger(context.Background(), "payments.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

// Resolve picks the provider for a checkout: the preferred provider when registered, then the
// currency route, then the default, then the only provider.
func (m *Manager) Resolve(preferred, currency string) (string, error) {
	if m == nil || len(m.providers) == 0 {
		return "", ErrUnsupportedProvider
	}
	if key := strings.ToLower(strings.TrimSpace(preferred)); key != "" {
		if _, ok := m.providers[key]; ok {
			return key, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	if key, ok := m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		if _, ok := m.providers[key]; ok {
			return key, nil
		}
	}
	if _, ok := m.providers[m.defaultProvider]; ok {
		return m.defaultProvider, nil
	}
	if len(m.providers) == 1 {
		for key := range m.providers {
			return key, nil
		}
	}
	return "", ErrUnsupportedProvider
}

// Initialize starts a hosted payment with the named provider.
func (m *Manager) Initialize(ctx context.Context, provider string, req InitializeRequest) (Session, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return Session{}, ErrMissingReference
	}
	session, err := call(ctx, m, provider, func(ctx context.Context, p Provider) (Session, error) {
		return p.Initialize(ctx, req)
	})
	if err != nil {
		return Session{}, err
	}
	session.Provider = strings.ToLower(strings.TrimSpace(provider))
	if session.Reference == "" {
		session.Reference = req.Reference
	}
	return session, nil
}

// Verify asks the named provider for the authoritative transaction state.
func (m *Manager) Verify(ctx context.Context, provider string, req VerifyRequest) (Verification, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return Verification{}, ErrMissingReference
	}
	return call(ctx, m, provider, func(ctx context.Context, p Provider) (Verification, error) {
		return p.Verify(ctx, req)
	})
}

// Refund refunds a captured transaction with the named provider.
func (m *Manager) Refund(ctx context.Context, provider string, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return RefundResult{}, ErrMissingReference
	}
	return call(ctx, m, provider, func(ctx context.Context, p Provider) (RefundResult, error) {
		return p.Refund(ctx, req)
	})
}

// ParseWebhook verifies the signature of a webhook delivery and extracts the reference.
func (m *Manager) ParseWebhook(provider string, payload []byte, header http.Header) (WebhookEvent, error) {
	key, p, err := m.lookup(provider)
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := p.ParseWebhook(payload, header)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = key
	return event, nil
}

func (m *Manager) lookup(provider string) (string, Provider, error) {
	if m == nil {
		return "", nil, ErrUnsupportedProvider
	}
	key := strings.ToLower(strings.TrimSpace(provider))
	p, ok := m.providers[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	return key, p, nil
}

func call[T any](ctx context.Context, m *Manager, provider string, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	key, p, err := m.lookup(provider)
	if err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.breakers[key].Execute(func() (any, error) {
		return fn(callCtx, p)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &ProviderError{Provider: key, Op: "call", Transient: true, Message: "circuit open", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, &ProviderError{Provider: key, Op: "call", Transient: true, Message: "timeout", Err: err}
		}
		return zero, err
	}
	result, _ := out.(T)
	return result, nil
}
