package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/repositories"
)

const (
	paymentReferencePrefix = "hm_"
	cancelReasonSuperseded = "superseded"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates the cart has no items.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutInvalidAmount indicates the server-side total is not payable.
	ErrCheckoutInvalidAmount = errors.New("checkout: invalid amount")
	// ErrCheckoutCouponExpired indicates the coupon attached to the cart expired before checkout.
	ErrCheckoutCouponExpired = errors.New("checkout: coupon expired")
	// ErrCheckoutAmountMismatch indicates the amount shown to the buyer differs from the server total.
	ErrCheckoutAmountMismatch = errors.New("checkout: amount mismatch")
	// ErrCheckoutInsufficientStock indicates stock ran out between carting and checkout.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrPaymentInitiationFailed indicates the gateway could not start the hosted payment.
	ErrPaymentInitiationFailed = errors.New("checkout: payment initiation failed")
)

// PaymentGateway abstracts payments.Manager for easier testing.
type PaymentGateway interface {
	Resolve(preferred, currency string) (string, error)
	Initialize(ctx context.Context, provider string, req payments.InitializeRequest) (payments.Session, error)
	Verify(ctx context.Context, provider string, req payments.VerifyRequest) (payments.Verification, error)
	Refund(ctx context.Context, provider string, req payments.RefundRequest) (payments.RefundResult, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	UnitOfWork  repositories.UnitOfWork
	Coupons     *CouponEngine
	Counters    CounterService
	Gateway     PaymentGateway
	Events      OrderEventPublisher
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
	CallbackURL string
	IDGenerator func() string
}

type checkoutService struct {
	carts       repositories.CartRepository
	products    repositories.ProductRepository
	orders      repositories.OrderRepository
	payments    repositories.PaymentRepository
	uow         repositories.UnitOfWork
	coupons     *CouponEngine
	counters    CounterService
	gateway     PaymentGateway
	events      OrderEventPublisher
	locks       *keyedMutex
	now         func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
	callbackURL string
	newID       func() string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Products == nil:
		return nil, errors.New("checkout service: product repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment repository is required")
	case deps.Coupons == nil:
		return nil, errors.New("checkout service: coupon engine is required")
	case deps.Counters == nil:
		return nil, errors.New("checkout service: counter service is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &checkoutService{
		carts:    deps.Carts,
		products: deps.Products,
		orders:   deps.Orders,
		payments: deps.Payments,
		uow:      deps.UnitOfWork,
		coupons:  deps.Coupons,
		counters: deps.Counters,
		gateway:  deps.Gateway,
		events:   deps.Events,
		locks:    newKeyedMutex(),
		now: func() time.Time {
			return clock().UTC()
		},
		logger:      logger,
		callbackURL: strings.TrimSpace(deps.CallbackURL),
		newID:       idGen,
	}, nil
}

// Initiate snapshots the user's cart into a pending order and payment and starts the hosted
// payment. A repeated call for an unchanged cart resumes the existing order.
func (s *checkoutService) Initiate(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email == "" || !strings.Contains(email, "@") {
		return CheckoutSession{}, fmt.Errorf("%w: a valid email is required", ErrCheckoutInvalidInput)
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	defer unlock()

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutSession{}, ErrCheckoutEmptyCart
		}
		return CheckoutSession{}, s.translateRepoError(err)
	}
	cart, totalMinor, err := s.priceForCheckout(cart, cmd.ExpectedAmountMinor)
	if err != nil {
		return CheckoutSession{}, err
	}

	if session, ok, err := s.resume(ctx, cart, email); ok || err != nil {
		return session, err
	}

	provider, err := s.gateway.Resolve(cmd.Provider, cart.Currency)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return CheckoutSession{}, s.translateRepoError(err)
	}

	now := s.now()
	order := buildOrder(cart, s.newID(), number, now)
	payment := Payment{
		Reference:   paymentReferencePrefix + strings.ToLower(s.newID()),
		OrderID:     order.ID,
		UserID:      userID,
		Provider:    provider,
		Amount:      cart.Total,
		AmountMinor: totalMinor,
		Currency:    cart.Currency,
		Email:       email,
		Status:      domain.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	order.PaymentReference = payment.Reference

	var superseded *Order
	if err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		superseded, err = s.createOrder(txCtx, cart, order, payment)
		return err
	}); err != nil {
		return CheckoutSession{}, err
	}

	if superseded != nil {
		s.logger(ctx, "checkout.order_superseded", map[string]any{
			"orderId":         superseded.ID,
			"replacedBy":      order.ID,
			"failedReference": superseded.PaymentReference,
		})
		event := newOrderEvent(orderEventStatusChanged, *superseded, now)
		event.PreviousStatus = string(domain.OrderStatusPending)
		event.ActorID = string(ActorCheckout)
		event.Metadata = map[string]any{"reason": cancelReasonSuperseded, "replacedBy": order.ID}
		publishOrderEvent(ctx, s.events, s.logger, event)
	}

	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderId":   order.ID,
		"number":    order.Number,
		"userId":    userID,
		"reference": payment.Reference,
		"total":     order.TotalAmount.String(),
	})
	publishOrderEvent(ctx, s.events, s.logger, newOrderEvent(orderEventCreated, order, now))

	return s.startPayment(ctx, order, payment, false)
}

// priceForCheckout re-prices the cart and validates it is payable.
func (s *checkoutService) priceForCheckout(cart Cart, expected *int64) (Cart, int64, error) {
	if len(cart.Items) == 0 {
		return Cart{}, 0, ErrCheckoutEmptyCart
	}
	if couponExpired(cart.Coupon, s.now()) {
		return Cart{}, 0, fmt.Errorf("%w: %s", ErrCheckoutCouponExpired, cart.Coupon.Code)
	}
	priced, _ := s.coupons.Price(cart)
	if !priced.Total.IsPositive() {
		return Cart{}, 0, fmt.Errorf("%w: total %s", ErrCheckoutInvalidAmount, priced.Total)
	}
	totalMinor, err := priced.Total.MinorUnits()
	if err != nil {
		return Cart{}, 0, fmt.Errorf("%w: %v", ErrCheckoutInvalidAmount, err)
	}
	if expected != nil && *expected != totalMinor {
		return Cart{}, 0, fmt.Errorf("%w: expected %d, server total %d", ErrCheckoutAmountMismatch, *expected, totalMinor)
	}
	return priced, totalMinor, nil
}

// resume returns the session of the order already created from this cart version, when
// that order is still waiting for payment.
func (s *checkoutService) resume(ctx context.Context, cart Cart, email string) (CheckoutSession, bool, error) {
	if cart.CheckoutOrderID == "" {
		return CheckoutSession{}, false, nil
	}
	order, err := s.orders.FindByID(ctx, cart.CheckoutOrderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutSession{}, false, nil
		}
		return CheckoutSession{}, false, s.translateRepoError(err)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending || order.CartVersion != cart.Version {
		return CheckoutSession{}, false, nil
	}
	payment, err := s.payments.FindByReference(ctx, order.PaymentReference)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutSession{}, false, nil
		}
		return CheckoutSession{}, false, s.translateRepoError(err)
	}
	if payment.Status != domain.PaymentStatusPending {
		return CheckoutSession{}, false, nil
	}
	if payment.Email == "" {
		payment.Email = email
	}

	s.logger(ctx, "checkout.resumed", map[string]any{
		"orderId":   order.ID,
		"reference": payment.Reference,
	})
	session, err := s.startPayment(ctx, order, payment, true)
	return session, true, err
}

// createOrder runs inside the transaction. All reads precede the first write. When the cart's
// previous order failed payment it is cancelled here and its stock is netted into the new
// reservation.
func (s *checkoutService) createOrder(ctx context.Context, expected Cart, order Order, payment Payment) (*Order, error) {
	cart, err := s.carts.GetCart(ctx, expected.UserID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	if cart.Version != expected.Version || cart.CheckoutOrderID != expected.CheckoutOrderID {
		return nil, fmt.Errorf("%w: cart changed during checkout", ErrCheckoutUnavailable)
	}
	superseded, err := s.supersededOrder(ctx, cart.CheckoutOrderID, order.CreatedAt)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]int, len(order.Items))
	for _, item := range order.Items {
		requested[item.ProductID] += item.Quantity
	}
	released := make(map[string]int)
	if superseded != nil {
		for _, item := range superseded.Items {
			released[item.ProductID] += item.Quantity
		}
	}

	stock := make(map[string]int, len(requested)+len(released))
	for _, productID := range stockKeys(requested, released) {
		want := requested[productID]
		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			if repositories.IsNotFound(err) {
				if want == 0 {
					continue
				}
				return nil, fmt.Errorf("%w: product %s is no longer available", ErrCheckoutInsufficientStock, productID)
			}
			return nil, s.translateRepoError(err)
		}
		available := product.Stock + released[productID]
		if want > 0 && (!product.Active || available < want) {
			return nil, fmt.Errorf("%w: %s has %d left, %d requested", ErrCheckoutInsufficientStock, productID, available, want)
		}
		stock[productID] = available - want
	}

	for productID, remaining := range stock {
		if err := s.products.SetStock(ctx, productID, remaining); err != nil {
			return nil, s.translateRepoError(err)
		}
	}
	if superseded != nil {
		if err := s.orders.Update(ctx, *superseded); err != nil {
			return nil, s.translateRepoError(err)
		}
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return nil, s.translateRepoError(err)
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		return nil, s.translateRepoError(err)
	}
	cart.CheckoutOrderID = order.ID
	if err := s.carts.SaveCart(ctx, cart); err != nil {
		return nil, s.translateRepoError(err)
	}
	return superseded, nil
}

// supersededOrder returns the cancelled form of the cart's previous order when that order is
// still pending but its payment failed. Any other previous order is left alone.
func (s *checkoutService) supersededOrder(ctx context.Context, orderID string, now time.Time) (*Order, error) {
	if orderID == "" {
		return nil, nil
	}
	previous, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, nil
		}
		return nil, s.translateRepoError(err)
	}
	if previous.Status != domain.OrderStatusPending || previous.PaymentStatus != domain.PaymentStatusFailed {
		return nil, nil
	}
	cancelled, _, err := transitionOrder(previous, domain.OrderStatusCancelled, ActorCheckout, now)
	if err != nil {
		return nil, err
	}
	cancelled.CancelReason = cancelReasonSuperseded
	return &cancelled, nil
}

func stockKeys(requested, released map[string]int) []string {
	keys := make([]string, 0, len(requested)+len(released))
	for id := range requested {
		keys = append(keys, id)
	}
	for id := range released {
		if _, ok := requested[id]; !ok {
			keys = append(keys, id)
		}
	}
	slices.Sort(keys)
	return keys
}

// startPayment returns the stored authorization URL, or asks the gateway for one using the
// payment's reference.
func (s *checkoutService) startPayment(ctx context.Context, order Order, payment Payment, resumed bool) (CheckoutSession, error) {
	session := CheckoutSession{
		Status:      true,
		Reference:   payment.Reference,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		AmountMinor: payment.AmountMinor,
		Currency:    payment.Currency,
		Provider:    payment.Provider,
		Resumed:     resumed,
	}
	if payment.AuthorizationURL != "" {
		session.AuthorizationURL = payment.AuthorizationURL
		return session, nil
	}

	gw, err := s.gateway.Initialize(ctx, payment.Provider, payments.InitializeRequest{
		Reference:   payment.Reference,
		AmountMinor: payment.AmountMinor,
		Currency:    payment.Currency,
		Email:       payment.Email,
		CallbackURL: s.callbackURL,
		Description: "Order " + order.Number,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.Number,
		},
	})
	if err != nil {
		s.logger(ctx, "checkout.payment_initiation_failed", map[string]any{
			"orderId":   order.ID,
			"reference": payment.Reference,
			"provider":  payment.Provider,
			"transient": payments.IsTransient(err),
			"error":     err.Error(),
		})
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrPaymentInitiationFailed, err)
	}

	if err := s.recordSession(ctx, payment.Reference, gw); err != nil {
		s.logger(ctx, "checkout.payment_update_failed", map[string]any{
			"reference": payment.Reference,
			"error":     err.Error(),
		})
	}

	session.AuthorizationURL = gw.AuthorizationURL
	return session, nil
}

// recordSession stores the gateway session on the payment while it is still pending. A
// reconciliation that settled the payment during the gateway call is never overwritten.
func (s *checkoutService) recordSession(ctx context.Context, reference string, gw payments.Session) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.payments.FindByReference(txCtx, reference)
		if err != nil {
			return err
		}
		if current.Status != domain.PaymentStatusPending {
			return nil
		}
		if current.ProviderRef == "" {
			current.ProviderRef = gw.ProviderRef
		}
		current.AuthorizationURL = gw.AuthorizationURL
		current.UpdatedAt = s.now()
		return s.payments.Update(txCtx, current)
	})
}

func (s *checkoutService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.uow == nil {
		return fn(ctx)
	}
	return s.uow.RunInTx(ctx, fn)
}

func (s *checkoutService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCheckoutInsufficientStock) || errors.Is(err, ErrCheckoutUnavailable) {
		return err
	}
	if repositories.IsUnavailable(err) || repositories.IsConflict(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	return err
}

// buildOrder snapshots a priced cart.
func buildOrder(cart Cart, id, number string, now time.Time) Order {
	items := make([]OrderItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   item.UnitPrice.MulInt(int64(item.Quantity)),
		})
	}
	order := Order{
		ID:            id,
		Number:        number,
		UserID:        cart.UserID,
		Items:         items,
		Currency:      cart.Currency,
		Subtotal:      cart.Subtotal,
		Discount:      cart.Discount,
		TotalAmount:   cart.Total,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		CartVersion:   cart.Version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cart.Coupon != nil {
		order.Coupon = &OrderCoupon{
			Code:     cart.Coupon.Code,
			Kind:     cart.Coupon.Kind,
			Discount: cart.Coupon.Discount,
		}
	}
	if order.Discount.Currency() == "" {
		order.Discount = money.Zero(cart.Currency)
	}
	return order
}
