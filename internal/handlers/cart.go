package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/platform/auth"
	"github.com/harvest-market/api/internal/services"
)

const maxCartBodySize = 4 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	limiter func(http.Handler) http.Handler
}

// CartOption customises cart handler construction.
type CartOption func(*CartHandlers)

// WithCartRateLimit throttles cart mutations per caller.
func WithCartRateLimit(mw func(http.Handler) http.Handler) CartOption {
	return func(h *CartHandlers) {
		h.limiter = mw
	}
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn: authn,
		carts: carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	if h.limiter != nil {
		r.Use(h.limiter)
	}
	r.Get("/cart", h.getCart)
	r.Post("/cart-items", h.addItem)
	r.Patch("/cart-items/{itemID}", h.setQuantity)
	r.Delete("/cart-items/{itemID}", h.removeItem)
	r.Post("/carts/apply-coupon", h.applyCoupon)
	r.Delete("/carts/coupon", h.removeCoupon)
}

type addCartItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  *int   `json:"quantity"`
}

type setCartItemRequest struct {
	Quantity *int `json:"quantity"`
}

type applyCouponRequest struct {
	Code string `json:"code"`
}

type cartResponse struct {
	Cart           cartPayload `json:"cart"`
	CouponDetached bool        `json:"coupon_detached,omitempty"`
}

type cartPayload struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	Currency   string             `json:"currency"`
	Items      []cartItemPayload  `json:"items"`
	ItemsCount int                `json:"items_count"`
	Coupon     *cartCouponPayload `json:"coupon,omitempty"`
	Subtotal   string             `json:"subtotal"`
	Discount   string             `json:"discount"`
	Total      string             `json:"total"`
	TotalMinor int64              `json:"total_minor"`
	Version    int64              `json:"version"`
	UpdatedAt  string             `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	UnitPrice   string `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	LineTotal   string `json:"line_total"`
}

type cartCouponPayload struct {
	Code     string `json:"code"`
	Kind     string `json:"kind"`
	Discount string `json:"discount"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, services.CartMutation{Cart: cart})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req addCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	result, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:    identity.UID,
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, result)
}

func (h *CartHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req setCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.Quantity == nil {
		writeBodyError(ctx, w, fmt.Errorf("quantity is required"))
		return
	}

	result, err := h.carts.SetQuantity(ctx, services.SetCartItemQuantityCommand{
		UserID:   identity.UID,
		ItemID:   strings.TrimSpace(chi.URLParam(r, "itemID")),
		Quantity: *req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, result)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	result, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID: identity.UID,
		ItemID: strings.TrimSpace(chi.URLParam(r, "itemID")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, result)
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req applyCouponRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.carts.ApplyCoupon(ctx, services.ApplyCouponCommand{
		UserID: identity.UID,
		Code:   req.Code,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, result)
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	result, err := h.carts.RemoveCoupon(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, result)
}

func writeCart(w http.ResponseWriter, result services.CartMutation) {
	setCartResponseHeaders(w, result.Cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{
		Cart:           buildCartPayload(result.Cart),
		CouponDetached: result.CouponDetached,
	})
}

func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.ID) == "" && cart.Version == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", cart.ID, cart.Version, cart.Total.String())))
	return `W/"` + hex.EncodeToString(sum[:8]) + `"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:         strings.TrimSpace(cart.ID),
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:      make([]cartItemPayload, 0, len(cart.Items)),
		ItemsCount: len(cart.Items),
		Subtotal:   cart.Subtotal.String(),
		Discount:   cart.Discount.String(),
		Total:      cart.Total.String(),
		TotalMinor: minorOrZero(cart.Total),
		Version:    cart.Version,
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice.String(),
			Quantity:    item.Quantity,
			LineTotal:   item.UnitPrice.MulInt(int64(item.Quantity)).String(),
		})
	}
	if cart.Coupon != nil {
		payload.Coupon = &cartCouponPayload{
			Code:     cart.Coupon.Code,
			Kind:     string(cart.Coupon.Kind),
			Discount: cart.Coupon.Discount.String(),
		}
	}
	return payload
}

func minorOrZero(m money.Money) int64 {
	value, err := m.MinorUnits()
	if err != nil {
		return 0
	}
	return value
}
