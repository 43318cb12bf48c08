package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/platform/pagination"
	"github.com/harvest-market/api/internal/repositories"
)

const (
	orderEventCreated               = "order.created"
	orderEventPaid                  = "order.paid"
	orderEventStatusChanged         = "order.status_changed"
	paymentEventFailed              = "payment.failed"
	paymentEventCapturedAfterCancel = "payment.captured_after_cancel"
	paymentEventRefunded            = "payment.refunded"

	maxReasonLength = 500
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the transition is not in the lifecycle table.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderTransitionForbidden indicates the actor may not drive the transition.
	ErrOrderTransitionForbidden = errors.New("order: transition not allowed for actor")
	// ErrOrderUnavailable indicates the order backend is unavailable.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var reasonPolicy = bluemonday.StrictPolicy()

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Audit      AuditLogService
	Events     OrderEventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	audit      AuditLogService
	events     OrderEventPublisher
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		unitOfWork: deps.UnitOfWork,
		audit:      deps.Audit,
		events:     deps.Events,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if !cmd.IsAdmin && order.UserID != strings.TrimSpace(cmd.UserID) {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	statuses := make([]domain.OrderStatus, 0, len(filter.Status))
	for _, raw := range filter.Status {
		status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
		if status == "" {
			continue
		}
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
		}
		statuses = append(statuses, status)
	}

	pageSize := pagination.Limits{}.Clamp(filter.Pagination.PageSize)

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID: strings.TrimSpace(filter.UserID),
		Status: statuses,
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus applies an administrator transition. Cancelling restores the stock taken at
// checkout in the same transaction.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(cmd.TargetStatus)))
	actor := strings.TrimSpace(cmd.ActorID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if actor == "" {
		return Order{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}
	reason := sanitizeReason(cmd.Reason)

	var (
		before  Order
		after   Order
		changed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		before = order

		next, moved, err := transitionOrder(order, target, ActorAdmin, s.clock())
		if errors.Is(err, ErrOrderTransitionForbidden) {
			return fmt.Errorf("%w: %s -> %s is driven by payment reconciliation", ErrOrderInvalidTransition, order.Status, target)
		}
		if err != nil {
			return err
		}
		if !moved {
			after, changed = order, false
			return nil
		}

		var restock map[string]Product
		if target == domain.OrderStatusCancelled {
			next.CancelReason = reason
			if restock, err = s.loadProducts(txCtx, order.Items); err != nil {
				return err
			}
		}

		if err := s.orders.Update(txCtx, next); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := restoreStock(txCtx, s.products, restock, order.Items); err != nil {
			return mapOrderRepositoryError(err)
		}
		after, changed = next, true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return after, nil
	}

	metadata := map[string]any{"orderNumber": after.Number}
	if reason != "" {
		metadata["reason"] = reason
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     actor,
			ActorType: "staff",
			Action:    "order.status.transition",
			TargetRef: "/orders/" + after.ID,
			Metadata:  metadata,
			Diff: map[string]AuditLogDiff{
				"status": {Before: string(before.Status), After: string(after.Status)},
			},
		})
	}

	event := newOrderEvent(orderEventStatusChanged, after, s.clock())
	event.PreviousStatus = string(before.Status)
	event.ActorID = actor
	event.Metadata = metadata
	publishOrderEvent(ctx, s.events, s.logger, event)

	s.logger(ctx, "order.status_changed", map[string]any{
		"orderId": after.ID,
		"from":    string(before.Status),
		"to":      string(after.Status),
		"actor":   actor,
	})
	return after, nil
}

// loadProducts reads every product referenced by items. Missing products are skipped.
func (s *orderService) loadProducts(ctx context.Context, items []OrderItem) (map[string]Product, error) {
	products := make(map[string]Product, len(items))
	for _, item := range items {
		if _, seen := products[item.ProductID]; seen {
			continue
		}
		product, err := s.products.FindByID(ctx, item.ProductID)
		if err != nil {
			if repositories.IsNotFound(err) {
				s.logger(ctx, "order.restock.product_missing", map[string]any{"productId": item.ProductID})
				continue
			}
			return nil, mapOrderRepositoryError(err)
		}
		products[item.ProductID] = product
	}
	return products, nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// restoreStock adds the ordered quantities back to the products read earlier in the transaction.
func restoreStock(ctx context.Context, repo repositories.ProductRepository, products map[string]Product, items []OrderItem) error {
	if len(products) == 0 {
		return nil
	}
	quantities := make(map[string]int, len(items))
	for _, item := range items {
		if _, ok := products[item.ProductID]; ok {
			quantities[item.ProductID] += item.Quantity
		}
	}
	for productID, qty := range quantities {
		if err := repo.SetStock(ctx, productID, products[productID].Stock+qty); err != nil {
			return err
		}
	}
	return nil
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsUnavailable(err), repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

func sanitizeReason(reason string) string {
	return sanitizeText(reasonPolicy.Sanitize(reason), maxReasonLength)
}

func newOrderEvent(eventType string, order Order, now time.Time) OrderEvent {
	return OrderEvent{
		Type:             eventType,
		OrderID:          order.ID,
		OrderNumber:      order.Number,
		UserID:           order.UserID,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentReference: order.PaymentReference,
		TotalMinor:       minorUnits(order.TotalAmount),
		Currency:         order.Currency,
		OccurredAt:       now,
	}
}

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish_failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.Status,
		})
	}
}
