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
	productCollection = "products"
	couponCollection  = "coupons"
)

type productDocument struct {
	Name      string        `firestore:"name"`
	Price     moneyDocument `firestore:"price"`
	Stock     int           `firestore:"stock"`
	Active    bool          `firestore:"active"`
	UpdatedAt time.Time     `firestore:"updatedAt"`
}

type couponDocument struct {
	Kind            string        `firestore:"kind"`
	Percent         string        `firestore:"percent,omitempty"`
	Amount          moneyDocument `firestore:"amount"`
	MinimumSubtotal moneyDocument `firestore:"minimumSubtotal"`
	StartsAt        *time.Time    `firestore:"startsAt,omitempty"`
	ExpiresAt       *time.Time    `firestore:"expiresAt,omitempty"`
	Active          bool          `firestore:"active"`
	CreatedAt       time.Time     `firestore:"createdAt"`
	UpdatedAt       time.Time     `firestore:"updatedAt"`
}

// ProductRepository reads catalogue products and writes their stock counters.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
	now      func() time.Time
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
		now:      time.Now,
	}, nil
}

// FindByID loads a product by id.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	price, err := decodeMoney(doc.Price, "")
	if err != nil {
		return domain.Product{}, fmt.Errorf("product repository: decode %s: %w", id, err)
	}
	return domain.Product{
		ID:        id,
		Name:      doc.Name,
		Price:     price,
		Stock:     doc.Stock,
		Active:    doc.Active,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SetStock updates only the stock field so catalogue edits made elsewhere are preserved.
func (r *ProductRepository) SetStock(ctx context.Context, productID string, stock int) error {
	ref, err := r.products.Doc(ctx, strings.TrimSpace(productID))
	if err != nil {
		return err
	}
	updates := []firestore.Update{
		{Path: "stock", Value: stock},
		{Path: "updatedAt", Value: r.now().UTC()},
	}
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("products.set_stock", tx.Update(ref, updates))
	}
	_, err = ref.Update(ctx, updates)
	return pfirestore.WrapError("products.set_stock", err)
}

// CouponRepository loads coupons keyed by their upper-case code.
type CouponRepository struct {
	coupons *pfirestore.Collection[couponDocument]
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{coupons: pfirestore.NewCollection[couponDocument](provider, couponCollection)}, nil
}

// FindByCode loads a coupon. The code must already be normalised by the caller.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	doc, err := r.coupons.Get(ctx, normalized)
	if err != nil {
		return domain.Coupon{}, err
	}
	percent, err := decodePercent(doc.Percent)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("coupon repository: decode %s percent: %w", normalized, err)
	}
	var dec moneyDecoder
	coupon := domain.Coupon{
		Code:            normalized,
		Kind:            domain.CouponKind(doc.Kind),
		Percent:         percent,
		Amount:          dec.decode(doc.Amount),
		MinimumSubtotal: dec.decode(doc.MinimumSubtotal),
		StartsAt:        cloneTimePtr(doc.StartsAt),
		ExpiresAt:       cloneTimePtr(doc.ExpiresAt),
		Active:          doc.Active,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if dec.err != nil {
		return domain.Coupon{}, fmt.Errorf("coupon repository: decode %s: %w", normalized, dec.err)
	}
	return coupon, nil
}
