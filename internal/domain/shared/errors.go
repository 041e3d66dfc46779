// Package shared holds the error kinds and domain events used across the
// engine's domain packages. It imports nothing outside the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Domain errors carry one of these so callers can branch with
// errors.Is without knowing the concrete error.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	ErrUnauthorized = errors.New("unauthorized")

	ErrOptimisticLock         = errors.New("optimistic lock failure")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrServiceUnavailable     = errors.New("service unavailable")
)

var (
	validationKinds = []error{ErrValidation, ErrInvalidInput, ErrEmptyValue, ErrValueOutOfRange, ErrInvalidFormat}
	retryableKinds  = []error{ErrServiceUnavailable, ErrConcurrentModification, ErrOptimisticLock}
)

// DomainError is an error raised by a domain operation. Two DomainErrors
// match under errors.Is when domain, op and message agree, so a wrapped copy
// still matches the package-level sentinel it was built from.
type DomainError struct {
	Domain  string
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Domain + "." + e.Op + ": " + e.Message
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *DomainError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e.Domain == t.Domain && e.Op == t.Op && e.Message == t.Message
}

// NewDomainError builds a sentinel.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError attaches a cause.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sentinels
// ─────────────────────────────────────────────────────────────────────────────

// points
var (
	ErrUnknownEventType        = NewDomainError("points", "Parse", ErrValidation, "unknown event type")
	ErrEventNotFound           = NewDomainError("points", "Get", ErrNotFound, "point event not found")
	ErrLedgerWrite             = NewDomainError("points", "Append", ErrServiceUnavailable, "ledger write failed")
	ErrUnauthorizedAdjustment  = NewDomainError("points", "Adjust", ErrUnauthorized, "actor is not allowed to adjust points")
	ErrAdjustmentViaRecord     = NewDomainError("points", "Record", ErrInvalidInput, "admin_adjustment must be submitted as an adjustment")
	ErrEmptyAdjustment         = NewDomainError("points", "Adjust", ErrInvalidInput, "adjustment must change at least one balance")
	ErrEventIDRequired         = NewDomainError("points", "Validate", ErrEmptyValue, "event_id is required")
	ErrUserIDRequired          = NewDomainError("points", "Validate", ErrEmptyValue, "user_id is required")
	ErrIncompletePolicy        = NewDomainError("points", "LoadPolicy", ErrInvalidInput, "policy table must cover every non-admin event type")
	ErrAdminAdjustmentInPolicy = NewDomainError("points", "LoadPolicy", ErrInvalidInput, "admin_adjustment deltas are caller-supplied")
)

// aggregate
var (
	ErrAggregateNotFound = NewDomainError("aggregate", "Get", ErrNotFound, "user aggregate not found")
	ErrVersionConflict   = NewDomainError("aggregate", "Save", ErrOptimisticLock, "aggregate version changed concurrently")
	ErrApplyExhausted    = NewDomainError("aggregate", "Apply", ErrConcurrentModification, "gave up after repeated version conflicts")
)

// rank
var (
	ErrInvalidTierTable = NewDomainError("rank", "NewCalculator", ErrInvalidInput, "tier thresholds must start at zero and be non-decreasing")
	ErrUnknownGate      = NewDomainError("rank", "ParseGate", ErrInvalidInput, "unknown rank gate policy")
)

// achievement
var (
	ErrAchievementNotFound   = NewDomainError("achievement", "Find", ErrNotFound, "achievement not found")
	ErrDuplicateAchievement  = NewDomainError("achievement", "NewCatalog", ErrAlreadyExists, "achievement id declared twice")
	ErrNotificationQueueFull = NewDomainError("achievement", "Notify", ErrServiceUnavailable, "notification queue is full")
)

// leaderboard
var (
	ErrNotRanked         = NewDomainError("leaderboard", "Position", ErrNotFound, "user is not on the leaderboard")
	ErrInvalidPageParams = NewDomainError("leaderboard", "Page", ErrValueOutOfRange, "offset must be >= 0 and limit > 0")
)

// ─────────────────────────────────────────────────────────────────────────────
// Classification
// ─────────────────────────────────────────────────────────────────────────────

func isAny(err error, kinds []error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports caller mistakes: retrying with the same input fails
// again.
func IsValidation(err error) bool { return isAny(err, validationKinds) }

func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRetryable reports failures that may succeed with the same input.
func IsRetryable(err error) bool { return isAny(err, retryableKinds) }
