// Package memory provides an in-process repository registry used for local development and
// service tests. RunInTx serialises transactions and rolls back every write when fn fails.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/repositories"
)

type txKey struct{}

type state struct {
	carts    map[string]domain.Cart
	products map[string]domain.Product
	coupons  map[string]domain.Coupon
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	counters map[string]int64
	audit    []domain.AuditLogEntry
}

func newState() state {
	return state{
		carts:    make(map[string]domain.Cart),
		products: make(map[string]domain.Product),
		coupons:  make(map[string]domain.Coupon),
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		counters: make(map[string]int64),
	}
}

// Stored values are cloned on every read and write, so copying the maps is a full snapshot.
func (s state) snapshot() state {
	out := state{
		carts:    make(map[string]domain.Cart, len(s.carts)),
		products: make(map[string]domain.Product, len(s.products)),
		coupons:  make(map[string]domain.Coupon, len(s.coupons)),
		orders:   make(map[string]domain.Order, len(s.orders)),
		payments: make(map[string]domain.Payment, len(s.payments)),
		counters: make(map[string]int64, len(s.counters)),
		audit:    append([]domain.AuditLogEntry(nil), s.audit...),
	}
	for k, v := range s.carts {
		out.carts[k] = v
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.coupons {
		out.coupons[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

// Registry implements repositories.Registry in memory.
type Registry struct {
	mu    sync.Mutex
	state state
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{state: newState()}
}

// RunInTx executes fn while holding the registry lock, restoring the previous state on error.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.inTx(ctx) {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.state.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, r)); err != nil {
		r.state = before
		return err
	}
	return nil
}

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Carts() repositories.CartRepository         { return cartRepo{r} }
func (r *Registry) Products() repositories.ProductRepository   { return productRepo{r} }
func (r *Registry) Coupons() repositories.CouponRepository     { return couponRepo{r} }
func (r *Registry) Orders() repositories.OrderRepository       { return orderRepo{r} }
func (r *Registry) Payments() repositories.PaymentRepository   { return paymentRepo{r} }
func (r *Registry) Counters() repositories.CounterRepository   { return counterRepo{r} }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return auditRepo{r} }

// PutProduct seeds or replaces a product.
func (r *Registry) PutProduct(product domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.products[product.ID] = product
}

// PutCoupon seeds or replaces a coupon keyed by its upper-case code.
func (r *Registry) PutCoupon(coupon domain.Coupon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	r.state.coupons[coupon.Code] = coupon
}

// AuditEntries returns a copy of the recorded audit entries.
func (r *Registry) AuditEntries() []domain.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditLogEntry(nil), r.state.audit...)
}

func (r *Registry) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Registry)
	return owner == r
}

func (r *Registry) with(ctx context.Context, fn func(st *state) error) error {
	if !r.inTx(ctx) {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return fn(&r.state)
}

type cartRepo struct{ r *Registry }

func (c cartRepo) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	var out domain.Cart
	err := c.r.with(ctx, func(st *state) error {
		cart, ok := st.carts[userID]
		if !ok {
			return repositories.NotFound("cart.get", "cart %q not found", userID)
		}
		out = cloneCart(cart)
		return nil
	})
	return out, err
}

func (c cartRepo) SaveCart(ctx context.Context, cart domain.Cart) error {
	return c.r.with(ctx, func(st *state) error {
		st.carts[cart.UserID] = cloneCart(cart)
		return nil
	})
}

type productRepo struct{ r *Registry }

func (p productRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var out domain.Product
	err := p.r.with(ctx, func(st *state) error {
		product, ok := st.products[productID]
		if !ok {
			return repositories.NotFound("product.find", "product %q not found", productID)
		}
		out = product
		return nil
	})
	return out, err
}

func (p productRepo) SetStock(ctx context.Context, productID string, stock int) error {
	return p.r.with(ctx, func(st *state) error {
		product, ok := st.products[productID]
		if !ok {
			return repositories.NotFound("product.set_stock", "product %q not found", productID)
		}
		product.Stock = stock
		st.products[productID] = product
		return nil
	})
}

type couponRepo struct{ r *Registry }

func (c couponRepo) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	var out domain.Coupon
	err := c.r.with(ctx, func(st *state) error {
		coupon, ok := st.coupons[strings.ToUpper(strings.TrimSpace(code))]
		if !ok {
			return repositories.NotFound("coupon.find", "coupon %q not found", code)
		}
		out = coupon
		return nil
	})
	return out, err
}

type orderRepo struct{ r *Registry }

func (o orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return o.r.with(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return repositories.Conflict("order.insert", "order %q already exists", order.ID)
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (o orderRepo) Update(ctx context.Context, order domain.Order) error {
	return o.r.with(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; !exists {
			return repositories.NotFound("order.update", "order %q not found", order.ID)
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (o orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := o.r.with(ctx, func(st *state) error {
		order, ok := st.orders[orderID]
		if !ok {
			return repositories.NotFound("order.find", "order %q not found", orderID)
		}
		out = cloneOrder(order)
		return nil
	})
	return out, err
}

func (o orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterTime, afterID, hasCursor, err := repositories.DecodeOrderCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewError("order.list", repositories.KindInvalid, err)
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	var matched []domain.Order
	_ = o.r.with(ctx, func(st *state) error {
		for _, order := range st.orders {
			if filter.UserID != "" && order.UserID != filter.UserID {
				continue
			}
			if len(filter.Status) > 0 && !containsStatus(filter.Status, order.Status) {
				continue
			}
			matched = append(matched, cloneOrder(order))
		}
		return nil
	})

	sort.Slice(matched, func(i, j int) bool { return newerFirst(matched[i], matched[j]) })

	start := 0
	if hasCursor {
		marker := domain.Order{ID: afterID, CreatedAt: afterTime}
		start = sort.Search(len(matched), func(i int) bool { return newerFirst(marker, matched[i]) })
	}

	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := domain.CursorPage[domain.Order]{Items: matched[start:end]}
	if end < len(matched) && end > start {
		token, err := repositories.EncodeOrderCursor(matched[end-1])
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type paymentRepo struct{ r *Registry }

func (p paymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	return p.r.with(ctx, func(st *state) error {
		if _, exists := st.payments[payment.Reference]; exists {
			return repositories.Conflict("payment.insert", "payment %q already exists", payment.Reference)
		}
		st.payments[payment.Reference] = payment
		return nil
	})
}

func (p paymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	return p.r.with(ctx, func(st *state) error {
		if _, exists := st.payments[payment.Reference]; !exists {
			return repositories.NotFound("payment.update", "payment %q not found", payment.Reference)
		}
		st.payments[payment.Reference] = payment
		return nil
	})
}

func (p paymentRepo) FindByReference(ctx context.Context, reference string) (domain.Payment, error) {
	var out domain.Payment
	err := p.r.with(ctx, func(st *state) error {
		payment, ok := st.payments[reference]
		if !ok {
			return repositories.NotFound("payment.find", "payment %q not found", reference)
		}
		out = payment
		return nil
	})
	return out, err
}

func (p paymentRepo) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	_ = p.r.with(ctx, func(st *state) error {
		for _, payment := range st.payments {
			if payment.Status == domain.PaymentStatusPending && payment.CreatedAt.Before(createdBefore) {
				out = append(out, payment)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type counterRepo struct{ r *Registry }

func (c counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, repositories.NewError("counter.next", repositories.KindInvalid, nil)
	}
	if step <= 0 {
		step = 1
	}
	var next int64
	err := c.r.with(ctx, func(st *state) error {
		next = st.counters[counterID] + step
		st.counters[counterID] = next
		return nil
	})
	return next, err
}

type auditRepo struct{ r *Registry }

func (a auditRepo) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	return a.r.with(ctx, func(st *state) error {
		st.audit = append(st.audit, entry)
		return nil
	})
}

func newerFirst(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func containsStatus(values []domain.OrderStatus, target domain.OrderStatus) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func cloneCart(cart domain.Cart) domain.Cart {
	out := cart
	out.Items = append([]domain.CartItem(nil), cart.Items...)
	if cart.Coupon != nil {
		coupon := *cart.Coupon
		out.Coupon = &coupon
	}
	return out
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.Coupon != nil {
		coupon := *order.Coupon
		out.Coupon = &coupon
	}
	return out
}
