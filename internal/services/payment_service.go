package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/repositories"
)

const (
	paymentMetricNamespace = "github.com/harvest-market/api/internal/services"

	defaultSweepAge         = 15 * time.Minute
	defaultSweepLimit       = 50
	maxSweepLimit           = 200
	defaultSweepConcurrency = 4
	reconcileTimeout        = 45 * time.Second

	failureReasonDeclined       = "declined"
	failureReasonAmountMismatch = "amount_mismatch"
	failureReasonRefunded       = "refunded_at_gateway"
)

var (
	// ErrPaymentInvalidInput indicates the caller supplied invalid input.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentUnknownReference indicates no payment exists for the reference.
	ErrPaymentUnknownReference = errors.New("payment: unknown reference")
	// ErrPaymentVerificationUnavailable indicates the gateway could not confirm the payment. Retry later.
	ErrPaymentVerificationUnavailable = errors.New("payment: verification unavailable")
	// ErrPaymentNotRefundable indicates the order or payment is not in a refundable state.
	ErrPaymentNotRefundable = errors.New("payment: not refundable")
	// ErrPaymentRefundFailed indicates the gateway rejected or could not process the refund.
	ErrPaymentRefundFailed = errors.New("payment: refund failed")
	// ErrPaymentUnavailable indicates the payment backend is unavailable.
	ErrPaymentUnavailable = errors.New("payment: unavailable")
)

// PaymentServiceDeps wires the collaborators required by the payment reconciler.
type PaymentServiceDeps struct {
	Payments   repositories.PaymentRepository
	Orders     repositories.OrderRepository
	Carts      repositories.CartRepository
	UnitOfWork repositories.UnitOfWork
	Gateway    PaymentGateway
	Audit      AuditLogService
	Events     OrderEventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	Meter      metric.Meter
}

type paymentService struct {
	payments repositories.PaymentRepository
	orders   repositories.OrderRepository
	carts    repositories.CartRepository
	uow      repositories.UnitOfWork
	gateway  PaymentGateway
	audit    AuditLogService
	events   OrderEventPublisher
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
	group    singleflight.Group
	outcomes metric.Int64Counter
}

// NewPaymentService constructs the payment reconciler.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	switch {
	case deps.Payments == nil:
		return nil, errors.New("payment service: payment repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment service: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment service: cart repository is required")
	case deps.Gateway == nil:
		return nil, errors.New("payment service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(paymentMetricNamespace)
	}
	outcomes, err := meter.Int64Counter(
		"payments.reconcile.outcomes",
		metric.WithDescription("Count of payment reconciliation outcomes by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("payment service: register metric: %w", err)
	}

	return &paymentService{
		payments: deps.Payments,
		orders:   deps.Orders,
		carts:    deps.Carts,
		uow:      deps.UnitOfWork,
		gateway:  deps.Gateway,
		audit:    deps.Audit,
		events:   deps.Events,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
		outcomes: outcomes,
	}, nil
}

// Reconcile verifies reference with the gateway and applies the outcome once. Concurrent calls
// for the same reference share one verification.
func (s *paymentService) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error) {
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return ReconcileResult{}, fmt.Errorf("%w: reference is required", ErrPaymentInvalidInput)
	}
	source := cmd.Source
	if source == "" {
		source = ReconcileSourceCallback
	}

	// The shared run is detached from the first caller's cancellation; each caller stops waiting
	// on its own ctx.
	shared := s.group.DoChan(reference, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
		defer cancel()
		return s.reconcile(runCtx, reference, source)
	})
	select {
	case <-ctx.Done():
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentVerificationUnavailable, ctx.Err())
	case res := <-shared:
		if res.Err != nil {
			return ReconcileResult{}, res.Err
		}
		result, _ := res.Val.(ReconcileResult)
		return result, nil
	}
}

type paymentOutcome struct {
	status        domain.PaymentStatus
	failureReason string
	verification  payments.Verification
}

func (s *paymentService) reconcile(ctx context.Context, reference string, source ReconcileSource) (ReconcileResult, error) {
	payment, err := s.payments.FindByReference(ctx, reference)
	if err != nil {
		if repositories.IsNotFound(err) {
			s.logger(ctx, "payment.reconcile.unknown_reference", map[string]any{
				"severity":  "warn",
				"reference": sanitizeText(reference, 64),
				"source":    string(source),
			})
			s.record(ctx, source, "unknown_reference")
			return ReconcileResult{}, fmt.Errorf("%w: %s", ErrPaymentUnknownReference, sanitizeText(reference, 64))
		}
		return ReconcileResult{}, s.translateRepoError(err)
	}

	if payment.Status.Terminal() {
		order, err := s.orders.FindByID(ctx, payment.OrderID)
		if err != nil {
			return ReconcileResult{}, s.translateRepoError(err)
		}
		s.record(ctx, source, "noop")
		return ReconcileResult{Order: order, Payment: payment}, nil
	}

	verification, err := s.gateway.Verify(ctx, payment.Provider, payments.VerifyRequest{
		Reference:   payment.Reference,
		ProviderRef: payment.ProviderRef,
	})
	if err != nil {
		s.logger(ctx, "payment.reconcile.verify_failed", map[string]any{
			"reference": payment.Reference,
			"provider":  payment.Provider,
			"source":    string(source),
			"transient": payments.IsTransient(err),
			"error":     err.Error(),
		})
		s.record(ctx, source, "verify_failed")
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentVerificationUnavailable, err)
	}

	outcome, decided := s.decide(ctx, payment, verification)
	if !decided {
		order, err := s.orders.FindByID(ctx, payment.OrderID)
		if err != nil {
			return ReconcileResult{}, s.translateRepoError(err)
		}
		s.record(ctx, source, "pending")
		return ReconcileResult{Order: order, Payment: payment, Pending: true}, nil
	}

	var (
		result ReconcileResult
		event  string
		prior  domain.OrderStatus
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		result, event, prior = ReconcileResult{}, "", ""

		current, err := s.payments.FindByReference(txCtx, reference)
		if err != nil {
			return s.translateRepoError(err)
		}
		order, err := s.orders.FindByID(txCtx, current.OrderID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if current.Status != domain.PaymentStatusPending {
			result = ReconcileResult{Order: order, Payment: current}
			return nil
		}
		var (
			cart    Cart
			hasCart bool
		)
		if outcome.status == domain.PaymentStatusCompleted {
			cart, err = s.carts.GetCart(txCtx, order.UserID)
			switch {
			case err == nil:
				hasCart = len(cart.Items) > 0 || cart.Coupon != nil || cart.CheckoutOrderID != ""
			case !repositories.IsNotFound(err):
				return s.translateRepoError(err)
			}
		}

		now := s.now()
		prior = order.Status
		current.Status = outcome.status
		current.GatewayStatus = outcome.verification.GatewayStatus
		current.FailureReason = outcome.failureReason
		current.VerifiedAt = &now
		current.UpdatedAt = now
		if current.ProviderRef == "" {
			current.ProviderRef = outcome.verification.ProviderRef
		}

		switch {
		case outcome.status == domain.PaymentStatusFailed:
			event = paymentEventFailed
		case order.Status == domain.OrderStatusCancelled:
			event = paymentEventCapturedAfterCancel
			hasCart = false
		default:
			next, _, err := transitionOrder(order, domain.OrderStatusPaid, ActorReconciler, now)
			if err != nil {
				return err
			}
			order = next
			event = orderEventPaid
		}
		order.PaymentStatus = outcome.status
		order.UpdatedAt = now

		if err := s.payments.Update(txCtx, current); err != nil {
			return s.translateRepoError(err)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.translateRepoError(err)
		}
		if hasCart {
			if err := s.carts.SaveCart(txCtx, clearedCart(cart, now)); err != nil {
				return s.translateRepoError(err)
			}
		}
		result = ReconcileResult{Order: order, Payment: current, Changed: true}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if !result.Changed {
		s.record(ctx, source, "noop")
		return result, nil
	}

	orderEvent := newOrderEvent(event, result.Order, s.now())
	if prior != result.Order.Status {
		orderEvent.PreviousStatus = string(prior)
	}
	orderEvent.Metadata = map[string]any{"source": string(source)}
	if outcome.failureReason != "" {
		orderEvent.Metadata["failureReason"] = outcome.failureReason
	}
	publishOrderEvent(ctx, s.events, s.logger, orderEvent)

	fields := map[string]any{
		"reference": result.Payment.Reference,
		"orderId":   result.Order.ID,
		"status":    string(result.Payment.Status),
		"source":    string(source),
	}
	if event == paymentEventCapturedAfterCancel {
		fields["severity"] = "warn"
		fields["refundRequired"] = true
	}
	s.logger(ctx, "payment.reconciled", fields)
	s.record(ctx, source, string(result.Payment.Status))
	return result, nil
}

// decide maps the gateway verification onto a terminal payment status. decided is false while
// the gateway has not settled the payment.
func (s *paymentService) decide(ctx context.Context, payment Payment, v payments.Verification) (paymentOutcome, bool) {
	outcome := paymentOutcome{verification: v}
	switch v.Status {
	case payments.StatusSucceeded:
		if v.AmountMinor != payment.AmountMinor || !strings.EqualFold(v.Currency, payment.Currency) {
			s.logger(ctx, "payment.reconcile.amount_mismatch", map[string]any{
				"severity":         "warn",
				"reference":        payment.Reference,
				"expectedMinor":    payment.AmountMinor,
				"verifiedMinor":    v.AmountMinor,
				"expectedCurrency": payment.Currency,
				"verifiedCurrency": v.Currency,
			})
			outcome.status = domain.PaymentStatusFailed
			outcome.failureReason = failureReasonAmountMismatch
			return outcome, true
		}
		outcome.status = domain.PaymentStatusCompleted
		return outcome, true
	case payments.StatusFailed:
		outcome.status = domain.PaymentStatusFailed
		outcome.failureReason = failureReasonDeclined
		return outcome, true
	case payments.StatusRefunded:
		outcome.status = domain.PaymentStatusFailed
		outcome.failureReason = failureReasonRefunded
		return outcome, true
	}
	return outcome, false
}

// ReconcilePending sweeps payments that stayed pending longer than OlderThan. Failures are
// counted and left for the next sweep.
func (s *paymentService) ReconcilePending(ctx context.Context, cmd ReconcilePendingCommand) (SweepResult, error) {
	age := cmd.OlderThan
	if age <= 0 {
		age = defaultSweepAge
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}

	pending, err := s.payments.ListPending(ctx, s.now().Add(-age), limit)
	if err != nil {
		return SweepResult{}, s.translateRepoError(err)
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Scanned: len(pending)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultSweepConcurrency)
	for _, payment := range pending {
		g.Go(func() error {
			res, err := s.Reconcile(gctx, ReconcileCommand{Reference: payment.Reference, Source: ReconcileSourceSweep})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors++
			case res.Pending:
				result.Pending++
			case res.Payment.Status == domain.PaymentStatusCompleted:
				result.Completed++
			case res.Payment.Status == domain.PaymentStatusFailed:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger(ctx, "payment.sweep.completed", map[string]any{
		"scanned":   result.Scanned,
		"completed": result.Completed,
		"failed":    result.Failed,
		"pending":   result.Pending,
		"errors":    result.Errors,
	})
	return result, nil
}

// Refund refunds the captured payment of a cancelled order.
func (s *paymentService) Refund(ctx context.Context, cmd RefundPaymentCommand) (Payment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	actor := strings.TrimSpace(cmd.ActorID)
	if orderID == "" || actor == "" {
		return Payment{}, fmt.Errorf("%w: order id and actor are required", ErrPaymentInvalidInput)
	}
	reason := sanitizeReason(cmd.Reason)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Payment{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Payment{}, s.translateRepoError(err)
	}
	if order.Status != domain.OrderStatusCancelled {
		return Payment{}, fmt.Errorf("%w: order is %s", ErrPaymentNotRefundable, order.Status)
	}
	payment, err := s.payments.FindByReference(ctx, order.PaymentReference)
	if err != nil {
		return Payment{}, s.translateRepoError(err)
	}
	if payment.Status == domain.PaymentStatusRefunded {
		return payment, nil
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return Payment{}, fmt.Errorf("%w: payment is %s", ErrPaymentNotRefundable, payment.Status)
	}

	refund, err := s.gateway.Refund(ctx, payment.Provider, payments.RefundRequest{
		Reference:      payment.Reference,
		ProviderRef:    payment.ProviderRef,
		Reason:         reason,
		IdempotencyKey: "refund:" + payment.Reference,
	})
	if err != nil {
		s.logger(ctx, "payment.refund_failed", map[string]any{
			"reference": payment.Reference,
			"orderId":   order.ID,
			"error":     err.Error(),
		})
		return Payment{}, fmt.Errorf("%w: %v", ErrPaymentRefundFailed, err)
	}

	var (
		updated Payment
		changed bool
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.payments.FindByReference(txCtx, payment.Reference)
		if err != nil {
			return s.translateRepoError(err)
		}
		latest, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if current.Status == domain.PaymentStatusRefunded {
			updated, changed = current, false
			return nil
		}
		if current.Status != domain.PaymentStatusCompleted {
			return fmt.Errorf("%w: payment is %s", ErrPaymentNotRefundable, current.Status)
		}

		now := s.now()
		current.Status = domain.PaymentStatusRefunded
		current.GatewayStatus = refund.Status
		current.RefundedAt = &now
		current.UpdatedAt = now
		latest.PaymentStatus = domain.PaymentStatusRefunded
		latest.UpdatedAt = now
		if err := s.payments.Update(txCtx, current); err != nil {
			return s.translateRepoError(err)
		}
		if err := s.orders.Update(txCtx, latest); err != nil {
			return s.translateRepoError(err)
		}
		order = latest
		updated, changed = current, true
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	if !changed {
		return updated, nil
	}

	metadata := map[string]any{
		"reference":   updated.Reference,
		"refundId":    refund.RefundID,
		"amountMinor": updated.AmountMinor,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     actor,
			ActorType: "staff",
			Action:    "payment.refund",
			TargetRef: "/orders/" + order.ID,
			Metadata:  metadata,
			Diff: map[string]AuditLogDiff{
				"paymentStatus": {Before: string(domain.PaymentStatusCompleted), After: string(domain.PaymentStatusRefunded)},
			},
		})
	}
	event := newOrderEvent(paymentEventRefunded, order, s.now())
	event.ActorID = actor
	event.Metadata = metadata
	publishOrderEvent(ctx, s.events, s.logger, event)
	return updated, nil
}

func (s *paymentService) record(ctx context.Context, source ReconcileSource, outcome string) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", outcome),
	))
}

func (s *paymentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.uow == nil {
		return fn(ctx)
	}
	return s.uow.RunInTx(ctx, fn)
}

func (s *paymentService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrPaymentUnknownReference, err)
	case repositories.IsUnavailable(err), repositories.IsConflict(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return err
}

// clearedCart empties a cart after its checkout order was paid.
func clearedCart(cart Cart, now time.Time) Cart {
	cart.Items = nil
	cart.Coupon = nil
	cart.Subtotal = money.Zero(cart.Currency)
	cart.Discount = money.Zero(cart.Currency)
	cart.Total = money.Zero(cart.Currency)
	cart.CheckoutOrderID = ""
	cart.Version++
	cart.UpdatedAt = now
	return cart
}
