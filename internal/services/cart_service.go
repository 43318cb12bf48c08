package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/repositories"
)

const defaultCartCurrency = "NGN"

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartProductNotFound indicates the product does not exist or is not for sale.
	ErrCartProductNotFound = errors.New("cart service: product not found")
	// ErrCartInsufficientStock indicates the requested quantity exceeds the product stock.
	ErrCartInsufficientStock = errors.New("cart service: insufficient stock")
	// ErrCartItemNotFound indicates the cart has no row with the given id.
	ErrCartItemNotFound = errors.New("cart service: item not found")
	// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
	ErrCartUnavailable = errors.New("cart service: unavailable")
)

// CartServiceDeps wires the repositories and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Coupons         *CouponEngine
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	coupons  *CouponEngine
	uow      repositories.UnitOfWork
	locks    *keyedMutex
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("cart service: coupon engine is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("cart service: clock is required")
	}

	currency, err := money.NormalizeCurrency(deps.DefaultCurrency)
	if err != nil {
		currency = defaultCartCurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		coupons:  deps.Coupons,
		uow:      deps.UnitOfWork,
		locks:    newKeyedMutex(),
		newID:    idGen,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: currency,
		logger:   logger,
	}, nil
}

// GetCart returns the user's cart, or an empty unsaved cart when the user has none.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.load(ctx, uid)
	if err != nil {
		return Cart{}, err
	}
	priced, _ := s.coupons.Price(cart)
	return priced, nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartMutation, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartMutation{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return CartMutation{}, fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}

	return s.mutate(ctx, cmd.UserID, "cart.item_added", func(ctx context.Context, cart *Cart) error {
		product, err := s.findProduct(ctx, productID)
		if err != nil {
			return err
		}
		priceCurrency := product.Price.Currency()
		if len(cart.Items) == 0 && priceCurrency != "" {
			cart.Currency = priceCurrency
		} else if priceCurrency != cart.Currency {
			return fmt.Errorf("%w: product %s is priced in %s but the cart is in %s", ErrCartInvalidInput, productID, priceCurrency, cart.Currency)
		}

		now := s.now()
		for i := range cart.Items {
			item := &cart.Items[i]
			if item.ProductID != productID {
				continue
			}
			next := item.Quantity + cmd.Quantity
			if next > product.Stock {
				return fmt.Errorf("%w: %d requested, %d available", ErrCartInsufficientStock, next, product.Stock)
			}
			item.Quantity = next
			item.UpdatedAt = now
			return nil
		}

		if cmd.Quantity > product.Stock {
			return fmt.Errorf("%w: %d requested, %d available", ErrCartInsufficientStock, cmd.Quantity, product.Stock)
		}
		cart.Items = append(cart.Items, CartItem{
			ID:          s.newID(),
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    cmd.Quantity,
			AddedAt:     now,
			UpdatedAt:   now,
		})
		return nil
	})
}

func (s *cartService) SetQuantity(ctx context.Context, cmd SetCartItemQuantityCommand) (CartMutation, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return CartMutation{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return CartMutation{}, fmt.Errorf("%w: quantity must be at least 1, remove the item instead", ErrCartInvalidInput)
	}

	return s.mutate(ctx, cmd.UserID, "cart.item_updated", func(ctx context.Context, cart *Cart) error {
		index := findCartItem(cart.Items, itemID)
		if index < 0 {
			return ErrCartItemNotFound
		}
		product, err := s.findProduct(ctx, cart.Items[index].ProductID)
		if err != nil {
			return err
		}
		if cmd.Quantity > product.Stock {
			return fmt.Errorf("%w: %d requested, %d available", ErrCartInsufficientStock, cmd.Quantity, product.Stock)
		}
		cart.Items[index].Quantity = cmd.Quantity
		cart.Items[index].UpdatedAt = s.now()
		return nil
	})
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartMutation, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return CartMutation{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}

	return s.mutate(ctx, cmd.UserID, "cart.item_removed", func(_ context.Context, cart *Cart) error {
		index := findCartItem(cart.Items, itemID)
		if index < 0 {
			return ErrCartItemNotFound
		}
		cart.Items = append(cart.Items[:index], cart.Items[index+1:]...)
		return nil
	})
}

func (s *cartService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (CartMutation, error) {
	if NormalizeCouponCode(cmd.Code) == "" {
		return CartMutation{}, fmt.Errorf("%w: code is required", ErrCouponInvalid)
	}

	return s.mutate(ctx, cmd.UserID, "cart.coupon_applied", func(ctx context.Context, cart *Cart) error {
		applied, err := s.coupons.Apply(ctx, *cart, cmd.Code)
		if err != nil {
			return err
		}
		*cart = applied
		return nil
	})
}

func (s *cartService) RemoveCoupon(ctx context.Context, userID string) (CartMutation, error) {
	return s.mutate(ctx, userID, "cart.coupon_removed", func(_ context.Context, cart *Cart) error {
		cart.Coupon = nil
		return nil
	})
}

// mutate serialises the read-modify-write of one user's cart with the keyed mutex and a
// repository transaction, then re-prices and persists the result.
func (s *cartService) mutate(ctx context.Context, userID, event string, fn func(ctx context.Context, cart *Cart) error) (CartMutation, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartMutation{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	unlock, err := s.locks.Lock(ctx, uid)
	if err != nil {
		return CartMutation{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	defer unlock()

	var result CartMutation
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.load(txCtx, uid)
		if err != nil {
			return err
		}
		if err := fn(txCtx, &cart); err != nil {
			return err
		}

		priced, detached := s.coupons.Price(cart)
		now := s.now()
		if priced.CreatedAt.IsZero() {
			priced.CreatedAt = now
		}
		priced.UpdatedAt = now
		priced.Version++

		if err := s.carts.SaveCart(txCtx, priced); err != nil {
			return s.translateRepoError(err)
		}
		result = CartMutation{Cart: priced, CouponDetached: detached}
		return nil
	})
	if err != nil {
		return CartMutation{}, err
	}

	fields := map[string]any{
		"userId":  uid,
		"version": result.Cart.Version,
		"items":   len(result.Cart.Items),
		"total":   result.Cart.Total.String(),
	}
	if result.CouponDetached {
		fields["couponDetached"] = true
	}
	s.logger(ctx, event, fields)
	return result, nil
}

func (s *cartService) load(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return s.newCart(userID), nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart.ID = userID
	cart.UserID = userID
	if cart.Currency == "" {
		cart.Currency = s.currency
	}
	return cart, nil
}

func (s *cartService) newCart(userID string) Cart {
	return Cart{
		ID:       userID,
		UserID:   userID,
		Currency: s.currency,
		Subtotal: money.Zero(s.currency),
		Discount: money.Zero(s.currency),
		Total:    money.Zero(s.currency),
	}
}

func (s *cartService) findProduct(ctx context.Context, productID string) (Product, error) {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Product{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
		}
		return Product{}, s.translateRepoError(err)
	}
	if !product.Active {
		return Product{}, fmt.Errorf("%w: %s is not for sale", ErrCartProductNotFound, productID)
	}
	return product, nil
}

func (s *cartService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.uow == nil {
		return fn(ctx)
	}
	return s.uow.RunInTx(ctx, fn)
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if repositories.IsUnavailable(err) || repositories.IsConflict(err) {
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	return err
}

func findCartItem(items []CartItem, itemID string) int {
	for i, item := range items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}
