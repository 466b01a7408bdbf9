package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors match one of these through errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
)

var (
	ErrMenuNotFound  = &NotFoundError{Entity: "menu"}
	ErrOrderNotFound = &NotFoundError{Entity: "order"}
	ErrAgentNotFound = &NotFoundError{Entity: "delivery agent"}
	ErrAreaNotFound  = &NotFoundError{Entity: "service area"}

	ErrMenuClosed = &StateError{Msg: "orders are closed for this menu"}

	ErrLocationRequired = &ValidationError{Field: "location", Reason: "please select exact location on map"}
)

type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string        { return e.Entity + " not found" }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type StateError struct {
	Msg string
}

func (e *StateError) Error() string        { return e.Msg }
func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// InsufficientStockError names the first item that could not be served.
type InsufficientStockError struct {
	ItemID    string
	ItemName  string
	Requested int
	Remaining int
	Unlisted  bool // item is not part of the published menu at all
}

func (e *InsufficientStockError) Error() string {
	name := e.ItemName
	if name == "" {
		name = e.ItemID
	}
	if e.Unlisted {
		return fmt.Sprintf("%s is not available", name)
	}
	return fmt.Sprintf("%s is sold out or insufficient (requested %d, remaining %d)", name, e.Requested, e.Remaining)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string        { return e.Field + ": " + e.Reason }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidState }
