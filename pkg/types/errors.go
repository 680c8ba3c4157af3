package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failure modes the core reports.
// Callers dispatch on Kind via errors.As(err, &mnemosyneErr) rather than
// string-matching messages.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidState      ErrorKind = "invalid_state"
	KindConflict          ErrorKind = "conflict"
	KindBackpressure      ErrorKind = "backpressure"
	KindBusy              ErrorKind = "busy"
	KindDatabase          ErrorKind = "database"
	KindEmbedding         ErrorKind = "embedding"
	KindLLM               ErrorKind = "llm"
	KindBridge            ErrorKind = "bridge"
	KindCircularDependency ErrorKind = "circular_dependency"
	KindBridgeUnavailable ErrorKind = "bridge_unavailable"
	KindTimeout           ErrorKind = "timeout"
)

// Sentinel errors for simple kind checks via errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrConflict           = errors.New("conflict")
	ErrBackpressure       = errors.New("backpressure: queue full")
	ErrBusy               = errors.New("busy: transient lock contention")
	ErrDatabase           = errors.New("database error")
	ErrCircularDependency = errors.New("circular dependency")
	ErrBridgeUnavailable  = errors.New("agent runtime bridge unavailable")
	ErrTimeout            = errors.New("operation timed out")
)

// MnemosyneError carries the kind, the failing operation, the entity it
// concerned, and the causal chain, so a caller can render a useful
// diagnostic without parsing a message string.
type MnemosyneError struct {
	Kind   ErrorKind
	Op     string // operation name, e.g. "store", "traverse"
	Entity string // entity id or description, may be empty
	Cause  error
}

func (e *MnemosyneError) Error() string {
	switch {
	case e.Entity != "" && e.Cause != nil:
		return fmt.Sprintf("%s %s (%s): %s: %v", e.Op, e.Kind, e.Entity, e.Kind, e.Cause)
	case e.Entity != "":
		return fmt.Sprintf("%s %s (%s)", e.Op, e.Kind, e.Entity)
	case e.Cause != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s %s", e.Op, e.Kind)
	}
}

func (e *MnemosyneError) Unwrap() error {
	return e.Cause
}

// Is matches against the sentinel for its Kind so errors.Is(err, ErrNotFound)
// works on a wrapped *MnemosyneError without callers needing errors.As.
func (e *MnemosyneError) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(k ErrorKind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindConflict:
		return ErrConflict
	case KindBackpressure:
		return ErrBackpressure
	case KindBusy:
		return ErrBusy
	case KindDatabase:
		return ErrDatabase
	case KindCircularDependency:
		return ErrCircularDependency
	case KindBridgeUnavailable:
		return ErrBridgeUnavailable
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// NewError builds a *MnemosyneError for the given kind/op/entity/cause.
func NewError(kind ErrorKind, op, entity string, cause error) *MnemosyneError {
	return &MnemosyneError{Kind: kind, Op: op, Entity: entity, Cause: cause}
}
