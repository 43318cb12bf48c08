package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/repositories"
)

type stubPaymentRepo struct {
	findFn    func(context.Context, string) (domain.Payment, error)
	pending   []domain.Payment
	cutoff    time.Time
	limit     int
	listErr   error
	listCalls int
}

func (s *stubPaymentRepo) Insert(context.Context, domain.Payment) error { return nil }

func (s *stubPaymentRepo) Update(context.Context, domain.Payment) error { return nil }

func (s *stubPaymentRepo) FindByReference(ctx context.Context, reference string) (domain.Payment, error) {
	if s.findFn != nil {
		return s.findFn(ctx, reference)
	}
	return domain.Payment{}, repositories.NotFound("payment.find", "payment %q not found", reference)
}

func (s *stubPaymentRepo) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error) {
	s.listCalls++
	s.cutoff = createdBefore
	s.limit = limit
	return s.pending, s.listErr
}

func newStubPaymentService(t *testing.T, repo *stubPaymentRepo, now time.Time, logger *captureLogger) *paymentService {
	t.Helper()
	svc, err := NewPaymentService(PaymentServiceDeps{
		Payments: repo,
		Orders:   &stubOrderRepo{},
		Carts:    &stubCartRepository{},
		Gateway:  &fakeGateway{},
		Clock:    func() time.Time { return now },
		Logger:   logger.log,
		Meter:    noop.NewMeterProvider().Meter("test"),
	})
	require.NoError(t, err)
	return svc.(*paymentService)
}

func TestNewPaymentServiceRequiresDependencies(t *testing.T) {
	full := PaymentServiceDeps{
		Payments: &stubPaymentRepo{},
		Orders:   &stubOrderRepo{},
		Carts:    &stubCartRepository{},
		Gateway:  &fakeGateway{},
	}
	_, err := NewPaymentService(full)
	require.NoError(t, err, "global meter provider is used when none is given")

	for name, mutate := range map[string]func(*PaymentServiceDeps){
		"payments": func(d *PaymentServiceDeps) { d.Payments = nil },
		"orders":   func(d *PaymentServiceDeps) { d.Orders = nil },
		"carts":    func(d *PaymentServiceDeps) { d.Carts = nil },
		"gateway":  func(d *PaymentServiceDeps) { d.Gateway = nil },
	} {
		t.Run(name, func(t *testing.T) {
			deps := full
			mutate(&deps)
			_, err := NewPaymentService(deps)
			assert.Error(t, err)
		})
	}
}

func TestPaymentServiceDecide(t *testing.T) {
	svc := newStubPaymentService(t, &stubPaymentRepo{}, time.Now().UTC(), &captureLogger{})
	payment := Payment{Reference: "hm_ref", AmountMinor: 22500, Currency: "NGN"}

	cases := []struct {
		name    string
		v       payments.Verification
		decided bool
		status  domain.PaymentStatus
		reason  string
	}{
		{"succeeded", payments.Verification{Status: payments.StatusSucceeded, AmountMinor: 22500, Currency: "ngn"}, true, domain.PaymentStatusCompleted, ""},
		{"short amount", payments.Verification{Status: payments.StatusSucceeded, AmountMinor: 100, Currency: "NGN"}, true, domain.PaymentStatusFailed, failureReasonAmountMismatch},
		{"wrong currency", payments.Verification{Status: payments.StatusSucceeded, AmountMinor: 22500, Currency: "USD"}, true, domain.PaymentStatusFailed, failureReasonAmountMismatch},
		{"declined", payments.Verification{Status: payments.StatusFailed}, true, domain.PaymentStatusFailed, failureReasonDeclined},
		{"refunded", payments.Verification{Status: payments.StatusRefunded}, true, domain.PaymentStatusFailed, failureReasonRefunded},
		{"pending", payments.Verification{Status: payments.StatusPending}, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, decided := svc.decide(context.Background(), payment, tc.v)
			assert.Equal(t, tc.decided, decided)
			assert.Equal(t, tc.status, outcome.status)
			assert.Equal(t, tc.reason, outcome.failureReason)
		})
	}
}

func TestPaymentServiceUnknownReferenceIsLogged(t *testing.T) {
	logger := &captureLogger{}
	svc := newStubPaymentService(t, &stubPaymentRepo{}, time.Now().UTC(), logger)

	_, err := svc.Reconcile(context.Background(), ReconcileCommand{Reference: "hm_nope", Source: ReconcileSourceWebhook})
	require.ErrorIs(t, err, ErrPaymentUnknownReference)
	assert.Equal(t, ClassIntegrity, Classify(err))
	require.True(t, logger.has("payment.reconcile.unknown_reference"))
	assert.Equal(t, "webhook", logger.fields[0]["source"])
	assert.Equal(t, "warn", logger.fields[0]["severity"])

	_, err = svc.Reconcile(context.Background(), ReconcileCommand{Reference: "  "})
	assert.ErrorIs(t, err, ErrPaymentInvalidInput)
}

func TestPaymentServiceSweepClampsArguments(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &stubPaymentRepo{}
	svc := newStubPaymentService(t, repo, now, &captureLogger{})
	ctx := context.Background()

	result, err := svc.ReconcilePending(ctx, ReconcilePendingCommand{})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, now.Add(-15*time.Minute), repo.cutoff)
	assert.Equal(t, 50, repo.limit)

	_, err = svc.ReconcilePending(ctx, ReconcilePendingCommand{OlderThan: time.Hour, Limit: 10_000})
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), repo.cutoff)
	assert.Equal(t, 200, repo.limit)

	repo.listErr = repositories.NewError("payment.list_pending", repositories.KindUnavailable, errors.New("deadline"))
	_, err = svc.ReconcilePending(ctx, ReconcilePendingCommand{})
	require.ErrorIs(t, err, ErrPaymentUnavailable)
	assert.True(t, Retryable(err))
}

func TestPaymentServiceWebhookSourceTaggedOnEvents(t *testing.T) {
	l := newLifecycle(t)
	l.fillScenarioCart(t, "user-1")
	session := l.initiate(t, "user-1")
	l.gateway.succeed(session.AmountMinor)

	result, err := l.payments.Reconcile(context.Background(), ReconcileCommand{Reference: session.Reference, Source: ReconcileSourceWebhook})
	require.NoError(t, err)
	require.True(t, result.Changed)

	var paid *OrderEvent
	for i := range l.events.events {
		if l.events.events[i].Type == orderEventPaid {
			paid = &l.events.events[i]
		}
	}
	require.NotNil(t, paid)
	assert.Equal(t, "webhook", paid.Metadata["source"])
	assert.Equal(t, "pending", paid.PreviousStatus)
	assert.Equal(t, "paid", paid.Status)
}

func TestClearedCart(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cart := Cart{
		ID:              "user-1",
		UserID:          "user-1",
		Currency:        "NGN",
		Version:         7,
		CheckoutOrderID: "ord-1",
		Items:           []CartItem{{ID: "a", ProductID: "prod-1", UnitPrice: ngn("10"), Quantity: 1}},
		Subtotal:        ngn("10"),
		Total:           ngn("10"),
		Coupon:          &CartCoupon{Code: "SAVE10"},
	}

	cleared := clearedCart(cart, now)

	assert.Empty(t, cleared.Items)
	assert.Nil(t, cleared.Coupon)
	assert.Empty(t, cleared.CheckoutOrderID)
	assert.True(t, cleared.Total.IsZero())
	assert.Equal(t, "NGN", cleared.Subtotal.Currency())
	assert.Equal(t, int64(8), cleared.Version)
	assert.Equal(t, now, cleared.UpdatedAt)
	assert.Len(t, cart.Items, 1, "input cart untouched")
}
