package failure

import (
	"errors"
	"strings"
)

// Kind classifies failures observed by case components.
type Kind string

const (
	// KindDetection marks malformed emergency marker content.
	KindDetection Kind = "detection"
	// KindStoreConflict marks a lost compare-and-update race.
	KindStoreConflict Kind = "store_conflict"
	// KindStoreUnavailable marks a store that could not be reached.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindCorrelation marks an expert message that could not be bound to an open case.
	KindCorrelation Kind = "correlation"
	// KindTransport marks a channel send/post failure.
	KindTransport Kind = "transport"
	// KindInvalidTransition marks an event presented to a case in the wrong state.
	KindInvalidTransition Kind = "invalid_transition"
	// KindNotFound marks an absent case.
	KindNotFound Kind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	Detection         = &Error{Kind: KindDetection}
	StoreConflict     = &Error{Kind: KindStoreConflict}
	StoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	Correlation       = &Error{Kind: KindCorrelation}
	Transport         = &Error{Kind: KindTransport}
	InvalidTransition = &Error{Kind: KindInvalidTransition}
	NotFound          = &Error{Kind: KindNotFound}
)

// Error is a classified failure with operation context.
// Params: kind, operation name and wrapped cause.
// Returns: error matching kind sentinels through errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds classified error.
// Params: kind, operation name and optional cause.
// Returns: *Error as error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds classified error from message text.
// Params: kind, operation name and message.
// Returns: *Error wrapping plain message.
func Errorf(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(message)}
}

// Error renders "op: kind: cause".
// Params: none.
// Returns: error text.
func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, string(e.Kind))
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind-only sentinels.
// Params: target error.
// Returns: true when target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok || sentinel.Op != "" || sentinel.Err != nil {
		return false
	}
	return sentinel.Kind == e.Kind
}

// KindOf returns outermost failure kind in error chain.
// Params: candidate error.
// Returns: kind or empty string for unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// Retryable reports whether operation may be repeated.
// Params: candidate error.
// Returns: true for store outages and non-permanent transport failures.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	switch KindOf(err) {
	case KindStoreUnavailable, KindTransport:
		return true
	default:
		return false
	}
}

// permanentError marks operation failures that are not retryable.
type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks error as non-retryable.
func (permanentError) Permanent() bool {
	return true
}

// MarkPermanent wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether error has permanent marker.
// Params: candidate error.
// Returns: true when non-retryable marker is present.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
