package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

const cartCollection = "carts"

type cartDocument struct {
	Currency        string              `firestore:"currency"`
	Items           []cartItemDocument  `firestore:"items"`
	Coupon          *cartCouponDocument `firestore:"coupon,omitempty"`
	Subtotal        moneyDocument       `firestore:"subtotal"`
	Discount        moneyDocument       `firestore:"discount"`
	Total           moneyDocument       `firestore:"total"`
	CheckoutOrderID string              `firestore:"checkoutOrderId,omitempty"`
	Version         int64               `firestore:"version"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID          string        `firestore:"id"`
	ProductID   string        `firestore:"productId"`
	ProductName string        `firestore:"productName"`
	UnitPrice   moneyDocument `firestore:"unitPrice"`
	Quantity    int           `firestore:"quantity"`
	AddedAt     time.Time     `firestore:"addedAt"`
	UpdatedAt   time.Time     `firestore:"updatedAt"`
}

type cartCouponDocument struct {
	Code            string        `firestore:"code"`
	Kind            string        `firestore:"kind"`
	Percent         string        `firestore:"percent,omitempty"`
	Amount          moneyDocument `firestore:"amount"`
	MinimumSubtotal moneyDocument `firestore:"minimumSubtotal"`
	ExpiresAt       *time.Time    `firestore:"expiresAt,omitempty"`
	Discount        moneyDocument `firestore:"discount"`
	AppliedAt       time.Time     `firestore:"appliedAt"`
}

// CartRepository persists carts keyed by the owning user id.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{carts: pfirestore.NewCollection[cartDocument](provider, cartCollection)}, nil
}

// GetCart loads the cart for the given user id.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	doc, err := r.carts.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return decodeCart(uid, doc)
}

// SaveCart overwrites the cart document.
func (r *CartRepository) SaveCart(ctx context.Context, cart domain.Cart) error {
	uid := strings.TrimSpace(cart.UserID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}
	doc, err := encodeCart(cart)
	if err != nil {
		return fmt.Errorf("cart repository: encode %s: %w", uid, err)
	}
	return r.carts.Set(ctx, uid, doc)
}

func encodeCart(cart domain.Cart) (cartDocument, error) {
	var enc moneyEncoder
	doc := cartDocument{
		Currency:        cart.Currency,
		Items:           make([]cartItemDocument, 0, len(cart.Items)),
		Subtotal:        enc.encode(cart.Subtotal),
		Discount:        enc.encode(cart.Discount),
		Total:           enc.encode(cart.Total),
		CheckoutOrderID: cart.CheckoutOrderID,
		Version:         cart.Version,
		CreatedAt:       cart.CreatedAt.UTC(),
		UpdatedAt:       cart.UpdatedAt.UTC(),
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   enc.encode(item.UnitPrice),
			Quantity:    item.Quantity,
			AddedAt:     item.AddedAt.UTC(),
			UpdatedAt:   item.UpdatedAt.UTC(),
		})
	}
	if c := cart.Coupon; c != nil {
		doc.Coupon = &cartCouponDocument{
			Code:            c.Code,
			Kind:            string(c.Kind),
			Percent:         c.Percent.String(),
			Amount:          enc.encode(c.Amount),
			MinimumSubtotal: enc.encode(c.MinimumSubtotal),
			ExpiresAt:       cloneTimePtr(c.ExpiresAt),
			Discount:        enc.encode(c.Discount),
			AppliedAt:       c.AppliedAt.UTC(),
		}
	}
	return doc, enc.err
}

func decodeCart(uid string, doc cartDocument) (domain.Cart, error) {
	dec := moneyDecoder{currency: doc.Currency}
	cart := domain.Cart{
		ID:              uid,
		UserID:          uid,
		Currency:        doc.Currency,
		Items:           make([]domain.CartItem, 0, len(doc.Items)),
		Subtotal:        dec.decode(doc.Subtotal),
		Discount:        dec.decode(doc.Discount),
		Total:           dec.decode(doc.Total),
		CheckoutOrderID: doc.CheckoutOrderID,
		Version:         doc.Version,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   dec.decode(item.UnitPrice),
			Quantity:    item.Quantity,
			AddedAt:     item.AddedAt,
			UpdatedAt:   item.UpdatedAt,
		})
	}
	if c := doc.Coupon; c != nil {
		percent, err := decodePercent(c.Percent)
		if err != nil {
			return domain.Cart{}, fmt.Errorf("cart repository: decode coupon percent: %w", err)
		}
		cart.Coupon = &domain.CartCoupon{
			Code:            c.Code,
			Kind:            domain.CouponKind(c.Kind),
			Percent:         percent,
			Amount:          dec.decode(c.Amount),
			MinimumSubtotal: dec.decode(c.MinimumSubtotal),
			ExpiresAt:       cloneTimePtr(c.ExpiresAt),
			Discount:        dec.decode(c.Discount),
			AppliedAt:       c.AppliedAt,
		}
	}
	if dec.err != nil {
		return domain.Cart{}, fmt.Errorf("cart repository: decode %s: %w", uid, dec.err)
	}
	return cart, nil
}
