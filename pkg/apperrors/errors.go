// Package apperrors defines the error taxonomy the engine surfaces to its
// callers. Every business-rule failure belongs to exactly one class so the
// routing layer can map it without string matching.
package apperrors

import (
	"errors"
	"fmt"
)

type class struct {
	name string
}

func (c *class) Error() string { return c.name }

var (
	// ErrValidation: malformed input or a violated precondition (empty
	// cart, wrong status for a transition, already-resolved offer).
	ErrValidation = &class{"validation failed"}
	// ErrPermission: the actor lacks the role the operation requires.
	ErrPermission = &class{"permission denied"}
	// ErrNotFound: the referenced job/cart/order/offer does not exist.
	ErrNotFound = &class{"not found"}
	// ErrSelfDealing: a buyer-role action targeting the actor's own job.
	ErrSelfDealing = &class{"self dealing"}
	// ErrConflict: a concurrent writer won the race; the losing attempt
	// fails cleanly instead of corrupting state.
	ErrConflict = &class{"conflict"}
)

type classError struct {
	class *class
	msg   string
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.class }

func newf(c *class, format string, args ...interface{}) error {
	return &classError{class: c, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) error {
	return newf(ErrValidation, format, args...)
}

func Permissionf(format string, args ...interface{}) error {
	return newf(ErrPermission, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return newf(ErrNotFound, format, args...)
}

func SelfDealingf(format string, args ...interface{}) error {
	return newf(ErrSelfDealing, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return newf(ErrConflict, format, args...)
}

// IsBusiness reports whether err belongs to any of the taxonomy classes,
// as opposed to an infrastructure fault.
func IsBusiness(err error) bool {
	for _, c := range []*class{ErrValidation, ErrPermission, ErrNotFound, ErrSelfDealing, ErrConflict} {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}
