// Package errs provides the routing core's typed error taxonomy (spec §7).
// Every kind carries whether a retry is worth attempting and the HTTP
// status a caller at the edge should surface, grounded on the teacher's
// AntigravityError base-type-plus-metadata shape.
package errs

import "fmt"

// Kind identifies one of the taxonomy rows in spec §7.
type Kind string

const (
	KindNoBindingConfigured    Kind = "NoBindingConfigured"
	KindDailyLimitExceeded     Kind = "DailyLimitExceeded"
	KindMonthlyBudgetExceeded  Kind = "MonthlyBudgetExceeded"
	KindNoDedicatedAccounts    Kind = "NoDedicatedAccounts"
	KindNoSharedPoolConfigured Kind = "NoSharedPoolConfigured"
	KindNoSharedAccountAvail   Kind = "NoSharedAccountAvailable"
	KindNoHealthyAccount       Kind = "NoHealthyAccount"
	KindProviderError          Kind = "ProviderError"
	KindProviderTimeout        Kind = "ProviderTimeout"
	KindAuthenticationFailed   Kind = "AuthenticationFailed"
	KindQuotaOnRemoteSide      Kind = "QuotaOnRemoteSide"
	KindServiceUnavailable     Kind = "ServiceUnavailable"
	KindRateLimited            Kind = "RateLimited"
)

var retryable = map[Kind]bool{
	KindNoBindingConfigured:    false,
	KindDailyLimitExceeded:     false,
	KindMonthlyBudgetExceeded:  false,
	KindNoDedicatedAccounts:    false,
	KindNoSharedPoolConfigured: false,
	KindNoSharedAccountAvail:   false,
	KindNoHealthyAccount:       false,
	KindProviderError:          true,
	KindProviderTimeout:        true,
	KindAuthenticationFailed:   false,
	KindQuotaOnRemoteSide:      true,
	KindServiceUnavailable:     false,
	KindRateLimited:            false,
}

var httpStatus = map[Kind]int{
	KindNoBindingConfigured:    400,
	KindDailyLimitExceeded:     429,
	KindMonthlyBudgetExceeded:  429,
	KindNoDedicatedAccounts:    503,
	KindNoSharedPoolConfigured: 400,
	KindNoSharedAccountAvail:   503,
	KindNoHealthyAccount:       503,
	KindProviderError:          503,
	KindProviderTimeout:        503,
	KindAuthenticationFailed:   502,
	KindQuotaOnRemoteSide:      429,
	KindServiceUnavailable:     503,
	KindRateLimited:            429,
}

// Error is the routing core's single error type: a kind, a human message,
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the Router should attempt another selection
// round for this error kind.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// HTTPStatus is the status code a caller at the edge should surface.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// KindOf extracts the Kind from err, if it is an *Error.
func KindOf(err error) (Kind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return "", false
	}
	return e.Kind, true
}
