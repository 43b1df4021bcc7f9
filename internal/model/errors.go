package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ConflictError reports a version mismatch or a node that already has an
// active execution. Current holds the authoritative shard at rejection time.
type ConflictError struct {
	Field   string
	Message string
	Current *Shard
}

func (e ConflictError) Error() string {
	if e.Current != nil {
		return fmt.Sprintf("conflict on %s: %s (current version %d)", e.Field, e.Message, e.Current.Version)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Field, e.Message)
}

func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// NewConflictError constructs ConflictError.
func NewConflictError(field, message string, current *Shard) ConflictError {
	return ConflictError{Field: field, Message: message, Current: current}
}

// IsConflictError checks if err is a ConflictError (including wrapped errors).
func IsConflictError(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// ConflictCurrent returns the shard attached to a ConflictError, if any.
func ConflictCurrent(err error) (*Shard, bool) {
	var ce ConflictError
	if errors.As(err, &ce) && ce.Current != nil {
		return ce.Current, true
	}
	return nil, false
}

// InvalidTransitionError reports a state change that is not reachable.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NewInvalidTransitionError constructs InvalidTransitionError.
func NewInvalidTransitionError(entity, from, to string) InvalidTransitionError {
	return InvalidTransitionError{Entity: entity, From: from, To: to}
}

// IsInvalidTransitionError checks if err is an InvalidTransitionError.
func IsInvalidTransitionError(err error) bool {
	var te InvalidTransitionError
	return errors.As(err, &te)
}

// NotFoundError reports an unknown job, shard or execution.
type NotFoundError struct {
	Field   string
	Message string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found %s: %s", e.Field, e.Message)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError constructs NotFoundError.
func NewNotFoundError(field, message string) NotFoundError {
	return NotFoundError{Field: field, Message: message}
}

// IsNotFoundError checks if err is a NotFoundError.
func IsNotFoundError(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}

// InvalidArgumentError reports a malformed request, raised before any read or mutation.
type InvalidArgumentError struct {
	Field   string
	Message string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Message)
}

func (e InvalidArgumentError) Is(target error) bool { return target == ErrValidation }

// NewInvalidArgumentError constructs InvalidArgumentError.
func NewInvalidArgumentError(field, message string) InvalidArgumentError {
	return InvalidArgumentError{Field: field, Message: message}
}

// IsInvalidArgumentError checks if err is an InvalidArgumentError.
func IsInvalidArgumentError(err error) bool {
	var ae InvalidArgumentError
	return errors.As(err, &ae)
}
