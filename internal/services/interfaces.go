package services

import (
	"context"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination    = domain.Pagination
	Product       = domain.Product
	Cart          = domain.Cart
	CartItem      = domain.CartItem
	CartCoupon    = domain.CartCoupon
	Coupon        = domain.Coupon
	CouponKind    = domain.CouponKind
	Order         = domain.Order
	OrderItem     = domain.OrderItem
	OrderCoupon   = domain.OrderCoupon
	OrderStatus   = domain.OrderStatus
	Payment       = domain.Payment
	PaymentStatus = domain.PaymentStatus
	AuditLogEntry = domain.AuditLogEntry
	HealthReport  = domain.HealthReport
)

// CartService manages the single active cart per user. Every mutation returns the
// authoritative aggregate after re-pricing.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartMutation, error)
	SetQuantity(ctx context.Context, cmd SetCartItemQuantityCommand) (CartMutation, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartMutation, error)
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (CartMutation, error)
	RemoveCoupon(ctx context.Context, userID string) (CartMutation, error)
}

// CheckoutService snapshots a cart into an order and payment and starts the hosted payment.
type CheckoutService interface {
	Initiate(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutSession, error)
}

// PaymentService verifies gateway confirmations and applies them exactly once.
type PaymentService interface {
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error)
	ReconcilePending(ctx context.Context, cmd ReconcilePendingCommand) (SweepResult, error)
	Refund(ctx context.Context, cmd RefundPaymentCommand) (Payment, error)
}

// OrderService exposes order reads and the administrator status transitions.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// CounterService hands out human-facing order numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// AuditLogService records administrator actions. Failures never interrupt the caller.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// SystemService exposes runtime health for the readiness endpoint.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type             string         `json:"type"`
	OrderID          string         `json:"orderId"`
	OrderNumber      string         `json:"orderNumber,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	Status           string         `json:"status,omitempty"`
	PreviousStatus   string         `json:"previousStatus,omitempty"`
	PaymentStatus    string         `json:"paymentStatus,omitempty"`
	PaymentReference string         `json:"paymentReference,omitempty"`
	TotalMinor       int64          `json:"totalMinor"`
	Currency         string         `json:"currency,omitempty"`
	ActorID          string         `json:"actorId,omitempty"`
	OccurredAt       time.Time      `json:"occurredAt"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// AddCartItemCommand adds quantity of a product to the user's cart.
type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

// SetCartItemQuantityCommand replaces the quantity of an existing cart row.
type SetCartItemQuantityCommand struct {
	UserID   string
	ItemID   string
	Quantity int
}

// RemoveCartItemCommand removes a cart row.
type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

// ApplyCouponCommand attaches a coupon code to the user's cart.
type ApplyCouponCommand struct {
	UserID string
	Code   string
}

// CartMutation is the result of a cart mutation. CouponDetached reports that the coupon
// stopped being eligible and was removed while re-pricing.
type CartMutation struct {
	Cart           Cart
	CouponDetached bool
}

// InitiateCheckoutCommand starts checkout for the user's cart. ExpectedAmountMinor is only
// compared against the server total.
type InitiateCheckoutCommand struct {
	UserID              string
	Email               string
	ExpectedAmountMinor *int64
	Provider            string
}

// CheckoutSession is returned to the buyer to continue on the gateway's hosted page.
type CheckoutSession struct {
	Status           bool
	AuthorizationURL string
	Reference        string
	OrderID          string
	OrderNumber      string
	AmountMinor      int64
	Currency         string
	Provider         string
	Resumed          bool
}

// ReconcileSource identifies how a payment confirmation arrived.
type ReconcileSource string

const (
	ReconcileSourceCallback ReconcileSource = "callback"
	ReconcileSourceWebhook  ReconcileSource = "webhook"
	ReconcileSourceSweep    ReconcileSource = "sweep"
)

// ReconcileCommand asks for a payment reference to be verified and applied.
type ReconcileCommand struct {
	Reference string
	Source    ReconcileSource
}

// ReconcileResult reports the state after reconciliation.
type ReconcileResult struct {
	Order   Order
	Payment Payment
	// Changed is true only for the call that moved the payment out of pending.
	Changed bool
	// Pending is true when the gateway has not settled the payment yet.
	Pending bool
}

// ReconcilePendingCommand selects stale pending payments for a sweep.
type ReconcilePendingCommand struct {
	OlderThan time.Duration
	Limit     int
}

// SweepResult summarises a pending-payment sweep.
type SweepResult struct {
	Scanned   int
	Completed int
	Failed    int
	Pending   int
	Errors    int
}

// RefundPaymentCommand refunds the captured payment of a cancelled order.
type RefundPaymentCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// GetOrderCommand reads one order. Non-admin callers only see their own orders.
type GetOrderCommand struct {
	OrderID string
	UserID  string
	IsAdmin bool
}

// OrderListFilter narrows order listings. An empty UserID is only honoured for admins.
type OrderListFilter struct {
	UserID     string
	Status     []string
	Pagination Pagination
}

// OrderStatusTransitionCommand moves an order to a new status on behalf of an administrator.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus string
	ActorID      string
	Reason       string
}

// AuditLogRecord describes an administrator action to persist.
type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Metadata   map[string]any
	Diff       map[string]AuditLogDiff
	RequestID  string
	OccurredAt time.Time
}

// AuditLogDiff captures the before/after values of a field.
type AuditLogDiff struct {
	Before any
	After  any
}

// SystemHealthReport decorates the dependency report with build metadata.
type SystemHealthReport struct {
	HealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	// Failing lists the checks whose status is not ok, sorted by name.
	Failing []string
}

func minorUnits(m money.Money) int64 {
	value, err := m.MinorUnits()
	if err != nil {
		return 0
	}
	return value
}
