// Package apperr holds the error kinds shared by command handlers, the relay
// and consumers. Each kind is a concrete type usable with errors.As and
// matches a package sentinel with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("concurrent modification")
	ErrPersistence      = errors.New("persistence failure")
	ErrPublishTransient = errors.New("transient publish failure")
	ErrPoisonMessage    = errors.New("poison message")
)

// ValidationError reports a rejected command or aggregate invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a *ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a lost optimistic-concurrency race or a duplicate id.
type ConflictError struct {
	Aggregate string
	ID        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s", e.Aggregate, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflict builds a *ConflictError.
func Conflict(aggregate, id string) error {
	return &ConflictError{Aggregate: aggregate, ID: id}
}

// PersistenceError wraps a storage failure. Nothing was committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a *PersistenceError. A nil err stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// PublishTransientError reports a broker failure that the relay retries with backoff.
type PublishTransientError struct {
	Err error
}

func (e *PublishTransientError) Error() string {
	return fmt.Sprintf("transient publish failure: %v", e.Err)
}

func (e *PublishTransientError) Unwrap() error { return e.Err }

func (e *PublishTransientError) Is(target error) bool { return target == ErrPublishTransient }

// PublishTransient wraps err as a *PublishTransientError. A nil err stays nil.
func PublishTransient(err error) error {
	if err == nil {
		return nil
	}
	return &PublishTransientError{Err: err}
}

// PoisonMessageError marks a message that can never be handled successfully.
// Consumers route it to the dead-letter path instead of redelivering it.
type PoisonMessageError struct {
	Reason string
	Err    error
}

func (e *PoisonMessageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("poison message: %s", e.Reason)
	}
	return fmt.Sprintf("poison message: %s: %v", e.Reason, e.Err)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

func (e *PoisonMessageError) Is(target error) bool { return target == ErrPoisonMessage }

// Poison builds a *PoisonMessageError.
func Poison(reason string, err error) error {
	return &PoisonMessageError{Reason: reason, Err: err}
}

// IsPoison reports whether err, or anything it wraps, is a poison message error.
func IsPoison(err error) bool {
	return errors.Is(err, ErrPoisonMessage)
}
