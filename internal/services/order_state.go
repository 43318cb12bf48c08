package services

import (
	"fmt"
	"slices"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
)

// Actor identifies who drives an order status transition.
type Actor string

const (
	// ActorReconciler is the payment reconciler. It alone may mark an order paid.
	ActorReconciler Actor = "reconciler"
	// ActorAdmin is an administrator acting through the order console.
	ActorAdmin Actor = "admin"
	// ActorCheckout cancels a pending order whose failed payment a new checkout replaces.
	ActorCheckout Actor = "checkout"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:    {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// canTransition reports whether the table allows current → target.
func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// transitionOrder applies target to order on behalf of actor. A transition to the current status
// succeeds without changes so retries stay idempotent.
func transitionOrder(order Order, target domain.OrderStatus, actor Actor, now time.Time) (Order, bool, error) {
	if !target.Valid() {
		return order, false, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	current := order.Status
	if current == target {
		return order, false, nil
	}
	if !canTransition(current, target) {
		return order, false, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
	}

	allowed := actor == ActorAdmin
	switch {
	case current == domain.OrderStatusPending && target == domain.OrderStatusPaid:
		allowed = actor == ActorReconciler
	case current == domain.OrderStatusPending && target == domain.OrderStatusCancelled:
		allowed = actor == ActorAdmin || actor == ActorCheckout
	}
	if !allowed {
		return order, false, fmt.Errorf("%w: %s may not move %s -> %s", ErrOrderTransitionForbidden, actor, current, target)
	}

	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}
	return order, true, nil
}
