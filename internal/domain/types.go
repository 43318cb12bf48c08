package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/harvest-market/api/internal/money"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is the catalogue view consumed by the order lifecycle. The catalogue itself is
// managed elsewhere; only Stock is written here.
type Product struct {
	ID        string
	Name      string
	Price     money.Money
	Stock     int
	Active    bool
	UpdatedAt time.Time
}

// Cart is the single active cart owned by a user. The cart document id equals the user id.
type Cart struct {
	ID              string
	UserID          string
	Currency        string
	Items           []CartItem
	Coupon          *CartCoupon
	Subtotal        money.Money
	Discount        money.Money
	Total           money.Money
	CheckoutOrderID string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CartItem holds a product reference with the unit price captured when it was added.
type CartItem struct {
	ID          string
	ProductID   string
	ProductName string
	UnitPrice   money.Money
	Quantity    int
	AddedAt     time.Time
	UpdatedAt   time.Time
}

// CouponKind tags how a coupon value is interpreted.
type CouponKind string

const (
	// CouponKindPercentage discounts a percentage (0-100) of the subtotal.
	CouponKindPercentage CouponKind = "percentage"
	// CouponKindFixed discounts a fixed amount in the cart currency.
	CouponKindFixed CouponKind = "fixed"
)

// Coupon is a named discount rule.
type Coupon struct {
	Code            string
	Kind            CouponKind
	Percent         decimal.Decimal
	Amount          money.Money
	MinimumSubtotal money.Money
	StartsAt        *time.Time
	ExpiresAt       *time.Time
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CartCoupon is the immutable snapshot of a coupon attached to a cart.
type CartCoupon struct {
	Code            string
	Kind            CouponKind
	Percent         decimal.Decimal
	Amount          money.Money
	MinimumSubtotal money.Money
	ExpiresAt       *time.Time
	Discount        money.Money
	AppliedAt       time.Time
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus enumerates payment record states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Terminal reports whether reconciliation has already settled the payment.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// Order is the immutable snapshot of a cart at checkout, tracked through its status lifecycle.
type Order struct {
	ID               string
	Number           string
	UserID           string
	Items            []OrderItem
	Coupon           *OrderCoupon
	Currency         string
	Subtotal         money.Money
	Discount         money.Money
	TotalAmount      money.Money
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentReference string
	CartVersion      int64
	CancelReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
}

// OrderItem snapshots a cart line at order time.
type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   money.Money
	LineTotal   money.Money
}

// OrderCoupon snapshots the coupon redeemed into an order.
type OrderCoupon struct {
	Code     string
	Kind     CouponKind
	Discount money.Money
}

// Payment is the monetary transaction paired 1:1 with an order. The reference is the
// document id and is generated before the gateway is called.
type Payment struct {
	Reference        string
	OrderID          string
	UserID           string
	Provider         string
	ProviderRef      string
	Amount           money.Money
	AmountMinor      int64
	Currency         string
	Email            string
	Status           PaymentStatus
	AuthorizationURL string
	GatewayStatus    string
	FailureReason    string
	VerifiedAt       *time.Time
	RefundedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	RequestID string
	CreatedAt time.Time
}

// Health states reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck describes the outcome of an individual dependency probe.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency status for the readiness endpoint.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
