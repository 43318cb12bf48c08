package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/harvest-market/api/internal/domain"
	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

const (
	orderCollection     = "orders"
	defaultListPageSize = 20
)

type orderDocument struct {
	Number           string               `firestore:"number"`
	UserID           string               `firestore:"userId"`
	Items            []orderItemDocument  `firestore:"items"`
	Coupon           *orderCouponDocument `firestore:"coupon,omitempty"`
	Currency         string               `firestore:"currency"`
	Subtotal         moneyDocument        `firestore:"subtotal"`
	Discount         moneyDocument        `firestore:"discount"`
	TotalAmount      moneyDocument        `firestore:"totalAmount"`
	Status           string               `firestore:"status"`
	PaymentStatus    string               `firestore:"paymentStatus"`
	PaymentReference string               `firestore:"paymentReference"`
	CartVersion      int64                `firestore:"cartVersion"`
	CancelReason     string               `firestore:"cancelReason,omitempty"`
	CreatedAt        time.Time            `firestore:"createdAt"`
	UpdatedAt        time.Time            `firestore:"updatedAt"`
	PaidAt           *time.Time           `firestore:"paidAt,omitempty"`
	ShippedAt        *time.Time           `firestore:"shippedAt,omitempty"`
	DeliveredAt      *time.Time           `firestore:"deliveredAt,omitempty"`
	CancelledAt      *time.Time           `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID   string        `firestore:"productId"`
	ProductName string        `firestore:"productName"`
	Quantity    int           `firestore:"quantity"`
	UnitPrice   moneyDocument `firestore:"unitPrice"`
	LineTotal   moneyDocument `firestore:"lineTotal"`
}

type orderCouponDocument struct {
	Code     string        `firestore:"code"`
	Kind     string        `firestore:"kind"`
	Discount moneyDocument `firestore:"discount"`
}

// OrderRepository persists orders in the orders collection keyed by order id.
type OrderRepository struct {
	orders *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{orders: pfirestore.NewCollection[orderDocument](provider, orderCollection)}, nil
}

// Insert creates the order document, failing with a conflict when the id is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	doc, err := encodeOrder(order)
	if err != nil {
		return fmt.Errorf("order repository: encode %s: %w", order.ID, err)
	}
	return r.orders.Create(ctx, order.ID, doc)
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	doc, err := encodeOrder(order)
	if err != nil {
		return fmt.Errorf("order repository: encode %s: %w", order.ID, err)
	}
	return r.orders.Set(ctx, order.ID, doc)
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(id, doc)
}

// List returns orders newest first. Filtering by user and status requires the composite
// indexes (userId, createdAt desc) and (status, createdAt desc).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterTime, afterID, hasCursor, err := repositories.DecodeOrderCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewError("orders.list", repositories.KindInvalid, err)
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}

	docs, ids, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		switch len(filter.Status) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Status[0]))
		default:
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if hasCursor {
			q = q.StartAfter(afterTime, afterID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			break
		}
		order, err := decodeOrder(ids[i], doc)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	if len(docs) > pageSize && len(page.Items) > 0 {
		token, err := repositories.EncodeOrderCursor(page.Items[len(page.Items)-1])
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func encodeOrder(order domain.Order) (orderDocument, error) {
	var enc moneyEncoder
	doc := orderDocument{
		Number:           order.Number,
		UserID:           order.UserID,
		Items:            make([]orderItemDocument, 0, len(order.Items)),
		Currency:         order.Currency,
		Subtotal:         enc.encode(order.Subtotal),
		Discount:         enc.encode(order.Discount),
		TotalAmount:      enc.encode(order.TotalAmount),
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentReference: order.PaymentReference,
		CartVersion:      order.CartVersion,
		CancelReason:     order.CancelReason,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		PaidAt:           cloneTimePtr(order.PaidAt),
		ShippedAt:        cloneTimePtr(order.ShippedAt),
		DeliveredAt:      cloneTimePtr(order.DeliveredAt),
		CancelledAt:      cloneTimePtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   enc.encode(item.UnitPrice),
			LineTotal:   enc.encode(item.LineTotal),
		})
	}
	if order.Coupon != nil {
		doc.Coupon = &orderCouponDocument{
			Code:     order.Coupon.Code,
			Kind:     string(order.Coupon.Kind),
			Discount: enc.encode(order.Coupon.Discount),
		}
	}
	return doc, enc.err
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	dec := moneyDecoder{currency: doc.Currency}
	order := domain.Order{
		ID:               id,
		Number:           doc.Number,
		UserID:           doc.UserID,
		Items:            make([]domain.OrderItem, 0, len(doc.Items)),
		Currency:         doc.Currency,
		Subtotal:         dec.decode(doc.Subtotal),
		Discount:         dec.decode(doc.Discount),
		TotalAmount:      dec.decode(doc.TotalAmount),
		Status:           domain.OrderStatus(doc.Status),
		PaymentStatus:    domain.PaymentStatus(doc.PaymentStatus),
		PaymentReference: doc.PaymentReference,
		CartVersion:      doc.CartVersion,
		CancelReason:     doc.CancelReason,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		PaidAt:           cloneTimePtr(doc.PaidAt),
		ShippedAt:        cloneTimePtr(doc.ShippedAt),
		DeliveredAt:      cloneTimePtr(doc.DeliveredAt),
		CancelledAt:      cloneTimePtr(doc.CancelledAt),
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   dec.decode(item.UnitPrice),
			LineTotal:   dec.decode(item.LineTotal),
		})
	}
	if doc.Coupon != nil {
		order.Coupon = &domain.OrderCoupon{
			Code:     doc.Coupon.Code,
			Kind:     domain.CouponKind(doc.Coupon.Kind),
			Discount: dec.decode(doc.Coupon.Discount),
		}
	}
	if dec.err != nil {
		return domain.Order{}, fmt.Errorf("order repository: decode %s: %w", id, dec.err)
	}
	return order, nil
}
