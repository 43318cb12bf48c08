package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/harvest-market/api/internal/platform/httpx"
	"github.com/harvest-market/api/internal/platform/requestctx"
	"github.com/harvest-market/api/internal/services"
)

var statusByClass = map[services.ErrorClass]int{
	services.ClassValidation:  http.StatusBadRequest,
	services.ClassConflict:    http.StatusConflict,
	services.ClassForbidden:   http.StatusForbidden,
	services.ClassNotFound:    http.StatusNotFound,
	services.ClassIntegrity:   http.StatusNotFound,
	services.ClassGateway:     http.StatusBadGateway,
	services.ClassUnavailable: http.StatusServiceUnavailable,
	services.ClassInternal:    http.StatusInternalServerError,
}

var codeBySentinel = []struct {
	err  error
	code string
}{
	{services.ErrCartProductNotFound, "product_not_found"},
	{services.ErrCartInsufficientStock, "insufficient_stock"},
	{services.ErrCartItemNotFound, "cart_item_not_found"},
	{services.ErrCouponInvalid, "invalid_coupon"},
	{services.ErrCouponAlreadyApplied, "coupon_already_applied"},
	{services.ErrCheckoutEmptyCart, "empty_cart"},
	{services.ErrCheckoutInvalidAmount, "invalid_amount"},
	{services.ErrCheckoutCouponExpired, "coupon_expired"},
	{services.ErrCheckoutAmountMismatch, "amount_mismatch"},
	{services.ErrCheckoutInsufficientStock, "insufficient_stock"},
	{services.ErrPaymentInitiationFailed, "payment_gateway_error"},
	{services.ErrPaymentUnknownReference, "unknown_reference"},
	{services.ErrPaymentVerificationUnavailable, "verification_unavailable"},
	{services.ErrPaymentNotRefundable, "payment_not_refundable"},
	{services.ErrPaymentRefundFailed, "refund_failed"},
	{services.ErrOrderNotFound, "order_not_found"},
	{services.ErrOrderInvalidTransition, "invalid_transition"},
	{services.ErrOrderTransitionForbidden, "forbidden"},
}

var defaultCodeByClass = map[services.ErrorClass]string{
	services.ClassValidation:  "invalid_request",
	services.ClassConflict:    "conflict",
	services.ClassForbidden:   "forbidden",
	services.ClassNotFound:    "not_found",
	services.ClassIntegrity:   "unknown_reference",
	services.ClassGateway:     "payment_gateway_error",
	services.ClassUnavailable: "service_unavailable",
	services.ClassInternal:    "internal_error",
}

var genericMessageByClass = map[services.ErrorClass]string{
	services.ClassIntegrity:   "payment reference not recognised",
	services.ClassGateway:     "payment gateway unavailable; retry later",
	services.ClassUnavailable: "service temporarily unavailable; retry later",
	services.ClassInternal:    "internal server error",
}

// writeServiceError renders a service error as the JSON error envelope. Caller mistakes keep
// the service message; infrastructure failures are logged and replaced with a generic one.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	class := services.Classify(err)
	status, ok := statusByClass[class]
	if !ok {
		class = services.ClassInternal
		status = http.StatusInternalServerError
	}

	code := defaultCodeByClass[class]
	for _, entry := range codeBySentinel {
		if errors.Is(err, entry.err) {
			code = entry.code
			break
		}
	}

	message, generic := genericMessageByClass[class]
	if !generic {
		message = err.Error()
	}

	logger := requestctx.Logger(ctx)
	switch class {
	case services.ClassInternal:
		logger.Error("request failed", zap.String("errorClass", string(class)), zap.Error(err))
	case services.ClassGateway, services.ClassUnavailable:
		logger.Warn("request failed", zap.String("errorClass", string(class)), zap.Error(err))
	}

	httpErr := httpx.NewError(code, message, status)
	if services.Retryable(err) {
		httpErr = httpErr.WithDetails(map[string]any{"retryable": true})
	}
	httpx.WriteError(ctx, w, httpErr)
}
