package service

import (
	"errors"
	"time"
)

// Rejection codes surfaced to the API layer. Domain rejections are verbatim
// user-facing; nothing here wraps a raw transport or SQL error.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyCollected  = "already_collected"
	CodeSoldOut           = "sold_out"
	CodeNotStarted        = "not_started"
	CodeEnded             = "ended"
	CodeInsufficientFunds = "insufficient_funds"
	CodeRateLimited       = "rate_limited"
	CodeWalletNotLinked   = "wallet_not_linked"
	CodePaymentRequired   = "payment_required"
	CodeInvalidState      = "invalid_state"
)

// DomainError is a typed rejection. RetryAfter is set for rate limiting so
// the caller can render a countdown.
type DomainError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *DomainError) Error() string {
	return e.Message
}

func domainErr(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// AsDomainError unwraps err into a DomainError if it is one.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
