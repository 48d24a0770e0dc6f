package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientStock indicates a strict allocation or a direct decrement
	// exceeding the remaining stock.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInvalidReversal indicates a reversal would exceed the received quantity.
	ErrInvalidReversal = errors.New("stock: invalid reversal")
	// ErrNotFound indicates a lot, key or consuming event missing for the owner.
	ErrNotFound = errors.New("stock: not found")
	// ErrConcurrencyConflict indicates a conflicting concurrent write. Retriable.
	ErrConcurrencyConflict = errors.New("stock: concurrent modification")
	// ErrReconciliation indicates an aggregate refresh failed.
	ErrReconciliation = errors.New("stock: reconciliation failed")

	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be greater than zero")
	// ErrInvalidKey indicates an empty ingredient name or unit.
	ErrInvalidKey = errors.New("stock: ingredient name and unit required")
	// ErrOwnerRequired indicates a missing owner scope.
	ErrOwnerRequired = errors.New("stock: owner required")
	// ErrEventRequired indicates a missing consuming event reference.
	ErrEventRequired = errors.New("stock: consuming event required")
	// ErrDuplicateLotCode indicates an active lot already uses the external code.
	ErrDuplicateLotCode = errors.New("stock: external code already used by an active lot")
	// ErrInvalidLotEdit indicates an edit that would drop received below consumed.
	ErrInvalidLotEdit = errors.New("stock: received quantity below consumed quantity")
	// ErrConditionFailed is returned by repositories when a guarded update
	// matched no row.
	ErrConditionFailed = errors.New("stock: guarded update matched no row")
)

// Diagnostics carries the context attached to every core error.
type Diagnostics struct {
	OwnerID  int64
	Key      IngredientKey
	Quantity decimal.Decimal
}

func (d Diagnostics) String() string {
	return fmt.Sprintf("owner=%d key=%s qty=%s", d.OwnerID, d.Key, d.Quantity.String())
}

// InsufficientStockError reports the available stock against the request.
type InsufficientStockError struct {
	Diagnostics
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock (%s available=%s shortfall=%s)", e.Diagnostics, e.Available, e.Shortfall())
}

// Shortfall is the unmet portion of the request.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	s := e.Quantity.Sub(e.Available)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// InvalidReversalError reports a reversal that would overflow a source.
type InvalidReversalError struct {
	Diagnostics
	SourceKind SourceKind
	SourceID   int64
	Remaining  decimal.Decimal
	Received   decimal.Decimal
}

func (e *InvalidReversalError) Error() string {
	return fmt.Sprintf("stock: invalid reversal of %s %d (%s remaining=%s received=%s)", e.SourceKind, e.SourceID, e.Diagnostics, e.Remaining, e.Received)
}

// Is matches ErrInvalidReversal.
func (e *InvalidReversalError) Is(target error) bool { return target == ErrInvalidReversal }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Diagnostics
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("stock: %s %d not found (%s)", e.Entity, e.ID, e.Diagnostics)
	}
	return fmt.Sprintf("stock: %s not found (%s)", e.Entity, e.Diagnostics)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrencyConflictError reports a lost race on a guarded decrement.
type ConcurrencyConflictError struct {
	Diagnostics
	SourceKind SourceKind
	SourceID   int64
	Err        error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("stock: concurrent modification of %s %d (%s)", e.SourceKind, e.SourceID, e.Diagnostics)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// ReconciliationError reports a failed aggregate refresh. Never fatal to the
// mutation that triggered it.
type ReconciliationError struct {
	OwnerID int64
	Kind    AggregateKind
	Err     error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("stock: reconcile %s aggregates for owner %d: %v", e.Kind, e.OwnerID, e.Err)
}

// Is matches ErrReconciliation.
func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

func (e *ReconciliationError) Unwrap() error { return e.Err }

// IsRetriable reports whether the caller may re-run the whole operation.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
