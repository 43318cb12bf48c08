package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

// Registry wires every Firestore repository to a shared provider.
type Registry struct {
	provider *pfirestore.Provider

	carts    *CartRepository
	products *ProductRepository
	coupons  *CouponRepository
	orders   *OrderRepository
	payments *PaymentRepository
	counters *CounterRepository
	audit    *AuditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the Firestore repository registry.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.coupons, err = NewCouponRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.payments, err = NewPaymentRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}
	if reg.audit, err = NewAuditLogRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

// RunInTx runs fn inside a Firestore transaction. Repository calls made with the supplied
// context read and write through the transaction; fn may be retried on contention.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("firestore registry: transaction function is nil")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Carts() repositories.CartRepository         { return r.carts }
func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Coupons() repositories.CouponRepository     { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository   { return r.payments }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }
