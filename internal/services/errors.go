package services

import (
	"context"
	"errors"

	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/repositories"
)

// ErrorClass groups service errors by how callers should react to them.
type ErrorClass string

const (
	// ClassValidation marks malformed or ineligible input. Never retried automatically.
	ClassValidation ErrorClass = "validation"
	// ClassConflict marks requests that collide with the current state.
	ClassConflict ErrorClass = "conflict"
	// ClassForbidden marks actors that may not perform the operation.
	ClassForbidden ErrorClass = "forbidden"
	// ClassNotFound marks resources that do not exist or are not visible to the caller.
	ClassNotFound ErrorClass = "not_found"
	// ClassIntegrity marks suspicious input such as an unknown payment reference.
	ClassIntegrity ErrorClass = "integrity"
	// ClassGateway marks payment gateway failures that leave state untouched.
	ClassGateway ErrorClass = "gateway"
	// ClassUnavailable marks transient backend failures. Callers retry.
	ClassUnavailable ErrorClass = "unavailable"
	// ClassInternal marks everything else.
	ClassInternal ErrorClass = "internal"
)

var classBySentinel = []struct {
	err   error
	class ErrorClass
}{
	{ErrCartInvalidInput, ClassValidation},
	{ErrCartProductNotFound, ClassValidation},
	{ErrCartInsufficientStock, ClassValidation},
	{ErrCartItemNotFound, ClassNotFound},
	{ErrCartUnavailable, ClassUnavailable},
	{ErrCouponInvalid, ClassValidation},
	{ErrCouponAlreadyApplied, ClassConflict},
	{ErrCheckoutInvalidInput, ClassValidation},
	{ErrCheckoutEmptyCart, ClassValidation},
	{ErrCheckoutInvalidAmount, ClassValidation},
	{ErrCheckoutCouponExpired, ClassValidation},
	{ErrCheckoutAmountMismatch, ClassConflict},
	{ErrCheckoutInsufficientStock, ClassConflict},
	{ErrCheckoutUnavailable, ClassUnavailable},
	{ErrPaymentInitiationFailed, ClassGateway},
	{ErrPaymentInvalidInput, ClassValidation},
	{ErrPaymentUnknownReference, ClassIntegrity},
	{ErrPaymentVerificationUnavailable, ClassUnavailable},
	{ErrPaymentNotRefundable, ClassConflict},
	{ErrPaymentRefundFailed, ClassGateway},
	{ErrPaymentUnavailable, ClassUnavailable},
	{ErrOrderInvalidInput, ClassValidation},
	{ErrOrderNotFound, ClassNotFound},
	{ErrOrderInvalidTransition, ClassConflict},
	{ErrOrderTransitionForbidden, ClassForbidden},
	{ErrOrderUnavailable, ClassUnavailable},
}

// Classify maps an error returned by this package to its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, entry := range classBySentinel {
		if errors.Is(err, entry.err) {
			return entry.class
		}
	}
	switch {
	case repositories.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		return ClassUnavailable
	case payments.IsTransient(err):
		return ClassGateway
	case repositories.IsNotFound(err):
		return ClassNotFound
	case repositories.IsConflict(err):
		return ClassConflict
	}
	return ClassInternal
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassUnavailable, ClassGateway:
		return true
	}
	return false
}
