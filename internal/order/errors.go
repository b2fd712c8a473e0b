package order

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrLockLost            = errors.New("order lock lost")
	ErrDuplicateOrder      = errors.New("order already exists")
	ErrFulfillmentNotFound = errors.New("fulfillment not found")
	ErrLedgerRejected      = errors.New("store credit rejected")
)

type Code string

const (
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeGone              Code = "GONE"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInternal          Code = "INTERNAL_ERROR"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeGone:
		return http.StatusGone
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure returned by every service operation.
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

func invalidRequest(cause error, format string, args ...any) *Error {
	return newError(CodeInvalidRequest, cause, format, args...)
}

func gone(format string, args ...any) *Error {
	return newError(CodeGone, nil, format, args...)
}

func insufficientFunds(cause error, format string, args ...any) *Error {
	return newError(CodeInsufficientFunds, cause, format, args...)
}

func notFound(id string) *Error {
	return newError(CodeNotFound, ErrOrderNotFound, "order %s not found or not in a valid state", id)
}

func internal(cause error, format string, args ...any) *Error {
	return newError(CodeInternal, cause, format, args...)
}

// CodeOf maps any error returned by the package to its taxonomy code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrOrderNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrOrderNotFound) {
		return newError(CodeNotFound, err, "order not found")
	}
	return internal(err, "unexpected failure")
}

// GatewayErrorDetail is one entry of the payment processor's error list.
type GatewayErrorDetail struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Field    string `json:"field,omitempty"`
}

// GatewayError is returned by PaymentGateway implementations for business
// failures reported by the processor.
type GatewayError struct {
	StatusCode int
	Errors     []GatewayErrorDetail
}

func (e *GatewayError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("gateway: status %d", e.StatusCode)
	}
	first := e.Errors[0]
	if len(e.Errors) == 1 {
		return fmt.Sprintf("gateway: status %d: %s: %s", e.StatusCode, first.Code, first.Detail)
	}
	return fmt.Sprintf("gateway: status %d: %s: %s (and %d more)", e.StatusCode, first.Code, first.Detail, len(e.Errors)-1)
}

// Declined reports whether the processor refused the payment method itself.
func (e *GatewayError) Declined() bool {
	for _, d := range e.Errors {
		if d.Category == "PAYMENT_METHOD_ERROR" {
			return true
		}
	}
	return false
}

type ErrorDetail struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

// Response is the envelope handed to callers of the order service.
type Response struct {
	Status  int           `json:"status"`
	Success bool          `json:"success"`
	Order   *Order        `json:"result,omitempty"`
	Errors  []ErrorDetail `json:"errors,omitempty"`
}

func NewResponse(o *Order, err error) Response {
	if err == nil {
		return Response{Status: http.StatusOK, Success: true, Order: o}
	}

	e := asError(err)
	resp := Response{
		Status: e.Code.HTTPStatus(),
		Errors: []ErrorDetail{{Code: e.Code, Detail: e.Detail}},
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		for _, d := range gwErr.Errors {
			resp.Errors = append(resp.Errors, ErrorDetail{Code: e.Code, Detail: d.Code + ": " + d.Detail})
		}
	}
	return resp
}
