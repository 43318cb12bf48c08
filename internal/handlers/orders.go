package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harvest-market/api/internal/platform/auth"
	"github.com/harvest-market/api/internal/platform/pagination"
	"github.com/harvest-market/api/internal/services"
)

const maxOrderBodySize = 4 * 1024

// OrderHandlers exposes order reads for buyers and status management for administrators.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes registers the /orders endpoints. Reads need any signed-in user; writes need the
// admin role.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	var user, admin []func(http.Handler) http.Handler
	if h.authn != nil {
		user = append(user, h.authn.RequireUser())
		admin = append(admin, h.authn.RequireAdmin())
	}
	r.With(user...).Get("/orders", h.listOrders)
	r.With(user...).Get("/orders/{orderID}", h.getOrder)
	r.With(admin...).Patch("/orders/{orderID}", h.transitionOrder)
	r.With(admin...).Post("/orders/{orderID}/refund", h.refundOrder)
}

// AdminRoutes registers the order listing mounted under /admin.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAdmin())
	}
	r.Get("/orders", h.listAllOrders)
}

type transitionOrderRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type refundOrderRequest struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID               string               `json:"id"`
	Number           string               `json:"number"`
	UserID           string               `json:"user_id"`
	Status           string               `json:"status"`
	PaymentStatus    string               `json:"payment_status"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	Currency         string               `json:"currency"`
	Items            []orderItemPayload   `json:"items"`
	Coupon           *orderCouponPayload  `json:"coupon,omitempty"`
	Subtotal         string               `json:"subtotal"`
	Discount         string               `json:"discount"`
	Total            string               `json:"total"`
	TotalMinor       int64                `json:"total_minor"`
	CancelReason     string               `json:"cancel_reason,omitempty"`
	Timestamps       orderTimestampsField `json:"timestamps"`
}

type orderItemPayload struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
}

type orderCouponPayload struct {
	Code     string `json:"code"`
	Kind     string `json:"kind"`
	Discount string `json:"discount"`
}

type orderTimestampsField struct {
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	PaidAt      string `json:"paid_at,omitempty"`
	ShippedAt   string `json:"shipped_at,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	CancelledAt string `json:"cancelled_at,omitempty"`
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
}

type paymentPayload struct {
	Reference     string `json:"reference"`
	OrderID       string `json:"order_id"`
	Provider      string `json:"provider"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
	VerifiedAt    string `json:"verified_at,omitempty"`
	RefundedAt    string `json:"refunded_at,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	h.writeOrderList(w, r, strings.TrimSpace(identity.UID))
}

func (h *OrderHandlers) listAllOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}
	h.writeOrderList(w, r, strings.TrimSpace(r.URL.Query().Get("user_id")))
}

func (h *OrderHandlers) writeOrderList(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	query := r.URL.Query()
	page, err := pagination.FromQuery(query, pagination.Limits{})
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID: userID,
		Status: parseFilterValues(query[statusFilterParam]),
		Pagination: services.Pagination{
			PageSize:  page.PageSize,
			PageToken: page.PageToken,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	response := orderListResponse{
		Orders:        make([]orderPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, order := range result.Items {
		response.Orders = append(response.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, response)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:  identity.UID,
		IsAdmin: identity.IsAdmin(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req transitionOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus: req.Status,
		ActorID:      identity.ActorID(),
		Reason:       req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req refundOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	payment, err := h.payments.Refund(ctx, services.RefundPaymentCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		ActorID: identity.ActorID(),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment)})
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		Number:           order.Number,
		UserID:           order.UserID,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		Items:            make([]orderItemPayload, 0, len(order.Items)),
		Subtotal:         order.Subtotal.String(),
		Discount:         order.Discount.String(),
		Total:            order.TotalAmount.String(),
		TotalMinor:       minorOrZero(order.TotalAmount),
		CancelReason:     order.CancelReason,
		Timestamps: orderTimestampsField{
			CreatedAt:   formatTime(order.CreatedAt),
			UpdatedAt:   formatTime(order.UpdatedAt),
			PaidAt:      formatTimePtr(order.PaidAt),
			ShippedAt:   formatTimePtr(order.ShippedAt),
			DeliveredAt: formatTimePtr(order.DeliveredAt),
			CancelledAt: formatTimePtr(order.CancelledAt),
		},
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.String(),
			LineTotal:   item.LineTotal.String(),
		})
	}
	if order.Coupon != nil {
		payload.Coupon = &orderCouponPayload{
			Code:     order.Coupon.Code,
			Kind:     string(order.Coupon.Kind),
			Discount: order.Coupon.Discount.String(),
		}
	}
	return payload
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		Reference:     payment.Reference,
		OrderID:       payment.OrderID,
		Provider:      payment.Provider,
		Status:        string(payment.Status),
		Amount:        payment.Amount.String(),
		AmountMinor:   payment.AmountMinor,
		Currency:      payment.Currency,
		FailureReason: payment.FailureReason,
		VerifiedAt:    formatTimePtr(payment.VerifiedAt),
		RefundedAt:    formatTimePtr(payment.RefundedAt),
	}
}
