// Package domain contains the core billing entities: money, invoices and
// payment transactions. It has no dependencies on transport or storage.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - represent business rule violations.
var (
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidState is returned for an illegal invoice transition.
	ErrInvalidState = errors.New("invalid invoice state")

	// ErrOverpayment is returned when a payment would push an invoice past its total.
	ErrOverpayment = errors.New("payment exceeds invoice total")

	// ErrAmountMismatch is returned when a provider reports a different amount than attempted.
	ErrAmountMismatch = errors.New("provider amount does not match attempted amount")

	// ErrCurrencyMismatch is returned when money of different currencies is combined.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrSignatureVerification is returned when a callback cannot be authenticated.
	ErrSignatureVerification = errors.New("callback signature verification failed")

	// ErrProviderUnavailable is returned on provider network failures and timeouts.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrProviderRejected is returned when a provider declines a request.
	ErrProviderRejected = errors.New("payment provider rejected the request")

	// ErrDuplicateTransaction marks an event for a transaction that is already settled.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrUnknownTransaction is returned for a reference with no transaction.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrInvoiceNotFound is returned when an invoice does not exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrMemberNotFound is returned when the member directory has no such member.
	ErrMemberNotFound = errors.New("member not found")

	// ErrUnsupportedProvider is returned for a provider tag outside the four rails.
	ErrUnsupportedProvider = errors.New("unsupported payment provider")

	// ErrOTPUnknown is returned when no OTP challenge matches.
	ErrOTPUnknown = errors.New("unknown otp reference")

	// ErrOTPExpired is returned when an OTP is confirmed after its expiry.
	ErrOTPExpired = errors.New("otp expired")

	// ErrOTPChallengeActive is returned when an invoice already has an outstanding OTP.
	ErrOTPChallengeActive = errors.New("an otp challenge is already outstanding for this invoice")

	// ErrBillAlreadyPaid is returned when cancelling a settled bill.
	ErrBillAlreadyPaid = errors.New("bill is already paid")

	// ErrNotificationFailed is returned when FitStack Core rejects a notification.
	ErrNotificationFailed = errors.New("notification delivery failed")

	// ErrOrderNotAuthorized is returned when capturing an order that is not authorized.
	ErrOrderNotAuthorized = errors.New("order is not authorized")
)

// InvalidStateError describes an operation attempted in the wrong invoice state.
type InvalidStateError struct {
	Op     string
	Status InvoiceStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s invoice in status %s", e.Op, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// OverpaymentError carries the amounts involved so an operator can reconcile.
type OverpaymentError struct {
	InvoiceID string
	Attempted Money
	Remaining Money
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds remaining balance %s on invoice %s",
		e.Attempted, e.Remaining, e.InvoiceID)
}

func (e *OverpaymentError) Is(target error) bool { return target == ErrOverpayment }

// AmountMismatchError is raised when a confirmation does not match the attempt.
type AmountMismatchError struct {
	ExternalRef string
	Expected    Money
	Reported    Money
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("transaction %s: expected %s, provider reported %s",
		e.ExternalRef, e.Expected, e.Reported)
}

func (e *AmountMismatchError) Is(target error) bool { return target == ErrAmountMismatch }

// ServiceError wraps errors with additional context.
type ServiceError struct {
	Err     error
	Message string
	Code    string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(err error, message, code string) *ServiceError {
	return &ServiceError{Err: err, Message: message, Code: code}
}

// RequiresReview reports whether err belongs to the class that must reach an
// operator instead of being resolved automatically.
func RequiresReview(err error) bool {
	return errors.Is(err, ErrOverpayment) || errors.Is(err, ErrAmountMismatch)
}
