// Package engine implements the FSM core: the machine-definition registry,
// the instance store, event application with guard evaluation, and the
// idempotency-cache fast path — grounded on the reference implementation's
// rstmdb-core crate and adapted to Go's concurrent-map-of-locks idiom.
package engine

import (
	"errors"
	"fmt"

	"github.com/rcpx/rcpx/internal/protocol"
)

var (
	ErrMachineNotFound      = errors.New("engine: machine not found")
	ErrMachineVersionExists = errors.New("engine: machine version exists with a different definition")
	ErrMachineVersionLimit  = errors.New("engine: machine version limit exceeded")
	ErrInstanceNotFound     = errors.New("engine: instance not found")
	ErrInstanceExists       = errors.New("engine: instance already exists")
	ErrInvalidTransition    = errors.New("engine: no transition matches the current state and event")
	ErrGuardFailed          = errors.New("engine: all matching transition guards failed")
	ErrConflict             = errors.New("engine: optimistic concurrency conflict")
	ErrInvalidDefinition    = errors.New("engine: invalid machine definition")
)

// ConflictError carries the expected/actual detail reported alongside
// CONFLICT for both expected_state and expected_wal_offset mismatches.
type ConflictError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("engine: conflict on %s: expected %v, actual %v", e.Field, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// GuardFailedError carries the {guard, context} detail spec.md requires on
// GUARD_FAILED: the last guard evaluated and the context it saw.
type GuardFailedError struct {
	Guard   string
	Context map[string]any
}

func (e *GuardFailedError) Error() string {
	return fmt.Sprintf("engine: guard %q failed", e.Guard)
}

func (e *GuardFailedError) Unwrap() error { return ErrGuardFailed }

// ToProtocolError converts a domain error returned by this package into the
// wire error taxonomy, the one place this conversion happens (ambient error
// policy, see SPEC_FULL.md AMBIENT STACK).
func ToProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return protocol.NewErrorWithDetails(protocol.ErrConflict, err.Error(), map[string]any{
			"field":    conflict.Field,
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	}
	var guardFailed *GuardFailedError
	if errors.As(err, &guardFailed) {
		return protocol.NewErrorWithDetails(protocol.ErrGuardFailed, err.Error(), map[string]any{
			"guard":   guardFailed.Guard,
			"context": guardFailed.Context,
		})
	}

	switch {
	case errors.Is(err, ErrMachineNotFound):
		return protocol.NewError(protocol.ErrMachineNotFound, err.Error())
	case errors.Is(err, ErrMachineVersionExists):
		return protocol.NewError(protocol.ErrMachineVersionExists, err.Error())
	case errors.Is(err, ErrMachineVersionLimit):
		return protocol.NewError(protocol.ErrMachineVersionLimit, err.Error())
	case errors.Is(err, ErrInstanceNotFound):
		return protocol.NewError(protocol.ErrInstanceNotFound, err.Error())
	case errors.Is(err, ErrInstanceExists):
		return protocol.NewError(protocol.ErrInstanceExists, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return protocol.NewError(protocol.ErrInvalidTransition, err.Error())
	case errors.Is(err, ErrGuardFailed):
		return protocol.NewError(protocol.ErrGuardFailed, err.Error())
	case errors.Is(err, ErrConflict):
		return protocol.NewError(protocol.ErrConflict, err.Error())
	case errors.Is(err, ErrInvalidDefinition):
		return protocol.NewError(protocol.ErrBadRequest, err.Error())
	default:
		return protocol.NewError(protocol.ErrInternalError, err.Error())
	}
}
