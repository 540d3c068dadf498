package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind int

const (
	KindDatabase ErrorKind = iota
	KindValidation
	KindStorage
	KindTransaction
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation error"
	case KindStorage:
		return "storage error"
	case KindTransaction:
		return "transaction error"
	}
	return "database error"
}

// Sentinels for errors.Is. ErrDatabase matches an error of any kind.
var (
	ErrDatabase    = &Error{Kind: KindDatabase}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrStorage     = &Error{Kind: KindStorage}
	ErrTransaction = &Error{Kind: KindTransaction}
)

// Error is the single error type surfaced by the engine.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "insert"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == KindDatabase || t.Kind == e.Kind
}

func validationErrorf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func storageError(op, msg string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Msg: msg, Err: err}
}

func transactionErrorf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindTransaction, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// wrapError leaves validation errors untouched and wraps everything else
// into a database error that keeps the cause.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) {
		return err
	}
	return &Error{Kind: KindDatabase, Op: op, Msg: op + " operation failed", Err: err}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
