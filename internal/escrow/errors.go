package escrow

import (
	"errors"
	"fmt"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

// Kind classifies business-rule violations. Anything without a kind is an
// infrastructure failure.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindForbidden              Kind = "forbidden"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindValidation             Kind = "validation"
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the Err* values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrValidation             = &Error{Kind: KindValidation}
)

// KindOf returns the business kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(op, what string, id uint) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %d not found", what, id)}
}

func forbidden(op, msg string) error {
	return &Error{Kind: KindForbidden, Op: op, Msg: msg}
}

func invalidState(op string, current models.EscrowStatus, msg string) error {
	return &Error{Kind: KindInvalidStateTransition, Op: op, Msg: fmt.Sprintf("%s (escrow is %s)", msg, current)}
}

func validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func insufficientFunds(op string, err error) error {
	return &Error{Kind: KindInsufficientFunds, Op: op, Msg: err.Error(), Err: err}
}
