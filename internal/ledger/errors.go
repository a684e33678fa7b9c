package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan             = errors.New("invalid installment plan")
	ErrEmptyTarget             = errors.New("payment targets no installments")
	ErrExceedsPayableAmount    = errors.New("amount exceeds payable amount")
	ErrAmbiguousCarryForward   = errors.New("no targeted installment has a carry-forward balance")
	ErrReconciliationInvariant = errors.New("installment amounts do not balance")
	ErrInvalidPaymentRequest   = errors.New("invalid payment request")
)

// Error is the structured failure returned by the planner and the reconciler.
// Kind is one of the sentinel errors above, so callers can match with errors.Is.
type Error struct {
	Kind       error
	Field      string
	SequenceNo int
	Message    string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.SequenceNo > 0 {
		msg += fmt.Sprintf(" (installment %d)", e.SequenceNo)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, field string, seq int, format string, args ...any) error {
	return &Error{Kind: kind, Field: field, SequenceNo: seq, Message: fmt.Sprintf(format, args...)}
}
