package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// SourceError reports a failed collaborator call (bar source, calendar, store).
// The core never retries; callers decide based on IsRetriable.
type SourceError struct {
	Op        string // e.g. "bars.get_value", "calendar.session_open"
	Err       error
	Retriable bool
}

func (e *SourceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SourceError) IsRetriable() bool {
	return e.Retriable
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError wraps a collaborator failure that may succeed on retry.
func NewSourceError(op string, err error) *SourceError {
	return &SourceError{Op: op, Err: err, Retriable: true}
}

// NewFatalSourceError wraps a collaborator failure that will not succeed on retry.
func NewFatalSourceError(op string, err error) *SourceError {
	return &SourceError{Op: op, Err: err, Retriable: false}
}

// IsSourceError reports whether err originates from a collaborator.
func IsSourceError(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}

// DivisionError is the fatal precondition failure of a capital division.
type DivisionError struct {
	Sid      int64
	Capital  string
	Amount   int64 // shares affordable at the anchor price
	TickSize int64
	Err      error
}

func (e *DivisionError) Error() string {
	return fmt.Sprintf("divide sid %d capital %s: %v (affordable %d < lot %d)",
		e.Sid, e.Capital, e.Err, e.Amount, e.TickSize)
}

func (e *DivisionError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInsufficientCapital is returned when capital cannot buy a single lot.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrNoReferencePrice is returned when no prior close exists to anchor a division.
	ErrNoReferencePrice = errors.New("no reference price")

	// ErrUnknownSession is returned when a timestamp falls outside every known session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidField is returned for a field outside open/high/low/close/volume.
	ErrInvalidField = errors.New("invalid field")

	// ErrUnknownAsset is returned when a sid is not in the asset store.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInvalidAsset is returned when an asset violates its capability invariants.
	ErrInvalidAsset = errors.New("invalid asset")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
