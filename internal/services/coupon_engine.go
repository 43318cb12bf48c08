package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/repositories"
)

var (
	// ErrCouponInvalid indicates the code is unknown, inactive, outside its validity window, or
	// the cart does not meet its minimum.
	ErrCouponInvalid = errors.New("coupon: invalid or ineligible")
	// ErrCouponAlreadyApplied indicates the cart already carries a coupon.
	ErrCouponAlreadyApplied = errors.New("coupon: already applied")
)

var hundredPercent = decimal.NewFromInt(100)

// CouponEngineDeps wires the coupon lookup.
type CouponEngineDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
}

// CouponEngine validates coupon codes against carts and derives cart totals.
type CouponEngine struct {
	coupons repositories.CouponRepository
	now     func() time.Time
}

// NewCouponEngine constructs a CouponEngine.
func NewCouponEngine(deps CouponEngineDeps) (*CouponEngine, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon engine: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CouponEngine{
		coupons: deps.Coupons,
		now:     func() time.Time { return clock().UTC() },
	}, nil
}

// NormalizeCouponCode trims and upper-cases a coupon code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply looks up code and attaches a snapshot of the coupon to cart. The returned cart is
// re-priced with the discount applied.
func (e *CouponEngine) Apply(ctx context.Context, cart Cart, code string) (Cart, error) {
	normalized := NormalizeCouponCode(code)
	if normalized == "" {
		return Cart{}, fmt.Errorf("%w: code is required", ErrCouponInvalid)
	}
	if cart.Coupon != nil {
		return Cart{}, fmt.Errorf("%w: remove %s first", ErrCouponAlreadyApplied, cart.Coupon.Code)
	}

	priced, _ := e.Price(cart)
	if len(priced.Items) == 0 {
		return Cart{}, fmt.Errorf("%w: cart is empty", ErrCouponInvalid)
	}

	coupon, err := e.coupons.FindByCode(ctx, normalized)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Cart{}, fmt.Errorf("%w: unknown code %s", ErrCouponInvalid, normalized)
		}
		return Cart{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}

	now := e.now()
	if err := checkCouponEligible(coupon, priced, now); err != nil {
		return Cart{}, err
	}

	priced.Coupon = &CartCoupon{
		Code:            normalized,
		Kind:            coupon.Kind,
		Percent:         coupon.Percent,
		Amount:          coupon.Amount,
		MinimumSubtotal: coupon.MinimumSubtotal,
		ExpiresAt:       cloneTime(coupon.ExpiresAt),
		AppliedAt:       now,
	}
	out, _ := e.Price(priced)
	return out, nil
}

// Price recomputes subtotal, discount, and total from the item list and the attached coupon
// snapshot. When the cart no longer satisfies the coupon's minimum, or is empty, the coupon is
// detached and detached is true.
func (e *CouponEngine) Price(cart Cart) (Cart, bool) {
	currency := cart.Currency
	subtotal := money.Zero(currency)
	for _, item := range cart.Items {
		line := item.UnitPrice.MulInt(int64(item.Quantity))
		if sum, err := subtotal.Add(line); err == nil {
			subtotal = sum
		}
	}

	cart.Subtotal = subtotal
	cart.Discount = money.Zero(currency)
	detached := false
	if cart.Coupon != nil {
		if len(cart.Items) == 0 || subtotal.Cmp(cart.Coupon.MinimumSubtotal) < 0 {
			cart.Coupon = nil
			detached = true
		} else {
			snapshot := *cart.Coupon
			snapshot.Discount = couponDiscount(snapshot, subtotal)
			cart.Coupon = &snapshot
			cart.Discount = snapshot.Discount
		}
	}

	total, err := subtotal.Sub(cart.Discount)
	if err != nil {
		total = subtotal
	}
	cart.Total = total
	return cart, detached
}

// couponExpired reports whether the snapshot's validity window has closed at now.
func couponExpired(snapshot *CartCoupon, now time.Time) bool {
	return snapshot != nil && snapshot.ExpiresAt != nil && !now.Before(*snapshot.ExpiresAt)
}

func checkCouponEligible(coupon Coupon, cart Cart, now time.Time) error {
	if !coupon.Active {
		return fmt.Errorf("%w: %s is inactive", ErrCouponInvalid, coupon.Code)
	}
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		return fmt.Errorf("%w: %s is not active yet", ErrCouponInvalid, coupon.Code)
	}
	if coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt) {
		return fmt.Errorf("%w: %s has expired", ErrCouponInvalid, coupon.Code)
	}
	switch coupon.Kind {
	case domain.CouponKindPercentage:
		if !coupon.Percent.IsPositive() || coupon.Percent.GreaterThan(hundredPercent) {
			return fmt.Errorf("%w: %s has an invalid percentage", ErrCouponInvalid, coupon.Code)
		}
	case domain.CouponKindFixed:
		if !coupon.Amount.IsPositive() || coupon.Amount.Currency() != cart.Currency {
			return fmt.Errorf("%w: %s does not apply to %s carts", ErrCouponInvalid, coupon.Code, cart.Currency)
		}
	default:
		return fmt.Errorf("%w: %s has unknown kind %q", ErrCouponInvalid, coupon.Code, coupon.Kind)
	}
	if minimum := coupon.MinimumSubtotal; minimum.IsPositive() {
		if minimum.Currency() != "" && minimum.Currency() != cart.Currency {
			return fmt.Errorf("%w: %s does not apply to %s carts", ErrCouponInvalid, coupon.Code, cart.Currency)
		}
		if cart.Subtotal.Cmp(minimum) < 0 {
			return fmt.Errorf("%w: subtotal %s is below the %s minimum of %s", ErrCouponInvalid, cart.Subtotal, coupon.Code, minimum)
		}
	}
	return nil
}

func couponDiscount(snapshot CartCoupon, subtotal money.Money) money.Money {
	var discount money.Money
	switch snapshot.Kind {
	case domain.CouponKindPercentage:
		discount = subtotal.Percent(snapshot.Percent)
	case domain.CouponKindFixed:
		fixed, err := money.New(snapshot.Amount.Amount(), subtotal.Currency())
		if err != nil {
			return money.Zero(subtotal.Currency())
		}
		discount = fixed
	default:
		return money.Zero(subtotal.Currency())
	}
	if discount.IsNegative() {
		return money.Zero(subtotal.Currency())
	}
	return discount.Min(subtotal)
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
