package repositories

import (
	"context"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary. Repository
// calls made with the context passed to fn join the transaction. Implementations may retry fn
// on contention, so fn must not have side effects outside the repositories.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository persists the single active cart per user.
type CartRepository interface {
	// GetCart returns a not-found RepositoryError when the user has no cart yet.
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	SaveCart(ctx context.Context, cart domain.Cart) error
}

// ProductRepository reads catalogue entries and maintains stock levels.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// SetStock overwrites the stock counter. Callers read the product in the same
	// transaction before writing.
	SetStock(ctx context.Context, productID string, stock int) error
}

// CouponRepository looks up coupons by their normalised code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// OrderRepository persists orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PaymentRepository persists payment records keyed by reference.
type PaymentRepository interface {
	// Insert fails with a conflict RepositoryError when the reference already exists.
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByReference(ctx context.Context, reference string) (domain.Payment, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// AuditLogRepository appends audit entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// OrderListFilter narrows order listings. An empty UserID lists every user's orders.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}
