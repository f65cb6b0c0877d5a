package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("chat: not found")
	ErrTurnPending     = errors.New("chat: session has an unanswered user message")
	ErrTurnInProgress  = errors.New("chat: a turn is already streaming for this session")
	ErrRoleOrder       = errors.New("chat: messages must alternate user and assistant, starting with user")
	ErrEmptyCompletion = errors.New("chat: upstream completed without text")
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUpstream    Kind = "upstream"
	KindPersistence Kind = "persistence"
	KindInternal    Kind = "internal"
)

// Error carries a Kind so the transport can map it without string matching.
// Message is safe to show to the caller; Err is not.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Message: "storage failure", Err: err}
}

// KindOf classifies err; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTurnPending), errors.Is(err, ErrTurnInProgress), errors.Is(err, ErrRoleOrder):
		return KindConflict
	case errors.Is(err, ErrEmptyCompletion):
		return KindUpstream
	}
	return KindInternal
}
