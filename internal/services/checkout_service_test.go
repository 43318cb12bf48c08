package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/repositories"
)

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	l := newLifecycle(t)
	engine, err := NewCouponEngine(CouponEngineDeps{Coupons: l.reg.Coupons()})
	require.NoError(t, err)
	counters, err := NewCounterService(CounterServiceDeps{Repository: l.reg.Counters()})
	require.NoError(t, err)

	full := CheckoutServiceDeps{
		Carts:    l.reg.Carts(),
		Products: l.reg.Products(),
		Orders:   l.reg.Orders(),
		Payments: l.reg.Payments(),
		Coupons:  engine,
		Counters: counters,
		Gateway:  l.gateway,
	}
	_, err = NewCheckoutService(full)
	require.NoError(t, err)

	cases := map[string]func(*CheckoutServiceDeps){
		"carts":    func(d *CheckoutServiceDeps) { d.Carts = nil },
		"products": func(d *CheckoutServiceDeps) { d.Products = nil },
		"orders":   func(d *CheckoutServiceDeps) { d.Orders = nil },
		"payments": func(d *CheckoutServiceDeps) { d.Payments = nil },
		"coupons":  func(d *CheckoutServiceDeps) { d.Coupons = nil },
		"counters": func(d *CheckoutServiceDeps) { d.Counters = nil },
		"gateway":  func(d *CheckoutServiceDeps) { d.Gateway = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			deps := full
			mutate(&deps)
			_, err := NewCheckoutService(deps)
			assert.Error(t, err)
		})
	}
}

func TestCheckoutRejectsUnsupportedProvider(t *testing.T) {
	l := newLifecycle(t)
	l.fillScenarioCart(t, "user-1")

	_, err := l.checkout.Initiate(context.Background(), InitiateCheckoutCommand{
		UserID:   "user-1",
		Email:    "user-1@example.com",
		Provider: "moneybags",
	})
	require.ErrorIs(t, err, ErrCheckoutInvalidInput)
	assert.Equal(t, ClassValidation, Classify(err))
	assert.Equal(t, 10, l.stock(t, "prod-100"), "stock untouched")
	assert.Empty(t, l.events.types())
}

func TestCheckoutRejectsZeroTotal(t *testing.T) {
	l := newLifecycle(t)
	l.reg.PutCoupon(domain.Coupon{Code: "FREE", Kind: domain.CouponKindPercentage, Percent: decimal.NewFromInt(100), Active: true})
	ctx := context.Background()
	_, err := l.carts.AddItem(ctx, AddCartItemCommand{UserID: "user-1", ProductID: "prod-50", Quantity: 1})
	require.NoError(t, err)
	_, err = l.carts.ApplyCoupon(ctx, ApplyCouponCommand{UserID: "user-1", Code: "free"})
	require.NoError(t, err)

	_, err = l.checkout.Initiate(ctx, InitiateCheckoutCommand{UserID: "user-1", Email: "user-1@example.com"})
	require.ErrorIs(t, err, ErrCheckoutInvalidAmount)
	assert.Zero(t, l.gateway.initCalls)
}

func TestCheckoutPassesOrderMetadataToGateway(t *testing.T) {
	l := newLifecycle(t)
	l.fillScenarioCart(t, "user-1")

	session, err := l.checkout.Initiate(context.Background(), InitiateCheckoutCommand{UserID: "user-1", Email: " User-1@Example.com "})
	require.NoError(t, err)

	req := l.gateway.lastInit
	assert.Equal(t, session.Reference, req.Reference)
	assert.Equal(t, "user-1@example.com", req.Email)
	assert.Equal(t, int64(22500), req.AmountMinor)
	assert.Equal(t, "https://api.harvest.test/payment/callback", req.CallbackURL)
	assert.Equal(t, "Order "+session.OrderNumber, req.Description)
	assert.Equal(t, session.OrderID, req.Metadata["order_id"])
	assert.Equal(t, session.OrderNumber, req.Metadata["order_number"])
	assert.Regexp(t, `^hm_[0-9a-z]{26}$`, session.Reference)
	assert.Regexp(t, `^HM-2026-\d{6}$`, session.OrderNumber)
}

func TestBuildOrderSnapshotsCart(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cart := Cart{
		ID:       "user-1",
		UserID:   "user-1",
		Currency: "NGN",
		Version:  4,
		Items: []CartItem{
			{ID: "a", ProductID: "prod-1", ProductName: "Yam tuber", UnitPrice: ngn("100"), Quantity: 2},
			{ID: "b", ProductID: "prod-2", ProductName: "Palm oil", UnitPrice: ngn("50"), Quantity: 1},
		},
		Subtotal: ngn("250"),
		Discount: ngn("25"),
		Total:    ngn("225"),
		Coupon:   &CartCoupon{Code: "SAVE10", Kind: domain.CouponKindPercentage, Discount: ngn("25")},
	}

	order := buildOrder(cart, "ord-1", "HM-2026-000001", now)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, int64(4), order.CartVersion)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "200.00", order.Items[0].LineTotal.String())
	assert.Equal(t, "Palm oil", order.Items[1].ProductName)
	assert.Equal(t, "225.00", order.TotalAmount.String())
	require.NotNil(t, order.Coupon)
	assert.Equal(t, "SAVE10", order.Coupon.Code)
	assert.Equal(t, "25.00", order.Coupon.Discount.String())

	cart.Items[0].Quantity = 9
	assert.Equal(t, 2, order.Items[0].Quantity, "order must not alias cart items")
}

func TestBuildOrderDefaultsDiscountCurrency(t *testing.T) {
	cart := Cart{UserID: "user-1", Currency: "NGN", Subtotal: ngn("10"), Total: ngn("10")}
	order := buildOrder(cart, "ord-1", "HM-2026-000002", time.Now().UTC())
	assert.Equal(t, "NGN", order.Discount.Currency())
	assert.True(t, order.Discount.IsZero())
	assert.Nil(t, order.Coupon)
}

func TestCheckoutTranslateRepoError(t *testing.T) {
	svc := &checkoutService{}

	assert.Nil(t, svc.translateRepoError(nil))
	assert.ErrorIs(t, svc.translateRepoError(repositories.NewError("order.insert", repositories.KindConflict, nil)), ErrCheckoutUnavailable)
	assert.ErrorIs(t, svc.translateRepoError(repositories.NewError("cart.get", repositories.KindUnavailable, nil)), ErrCheckoutUnavailable)
	assert.ErrorIs(t, svc.translateRepoError(context.DeadlineExceeded), ErrCheckoutUnavailable)

	stock := errors.Join(ErrCheckoutInsufficientStock, errors.New("prod-1"))
	assert.Same(t, stock, svc.translateRepoError(stock))

	other := errors.New("boom")
	assert.Same(t, other, svc.translateRepoError(other))
}
