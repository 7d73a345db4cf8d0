package store

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by Gateway implementations. Orchestration code
// matches these with errors.Is; gateways wrap them with operation context
// via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound indicates the requested entity, interaction or
	// definition does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a write collided with existing state, e.g. a
	// create whose external key already belongs to another entity.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the store rejected the request as
	// malformed before attempting it.
	ErrInvalidInput = errors.New("invalid input")
)

// TransportError wraps a failure to reach the store at all: connection
// refused, timeout, broken pipe. It is distinct from the semantic errors
// above; a transport failure says nothing about the state of the data.
type TransportError struct {
	// Op is the gateway operation that failed, e.g. "search_index".
	Op string

	// Err is the underlying transport failure.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store: %s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport failure of the named
// operation. Returns nil if err is nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const (
	// DefaultIndexLimit is applied when an IndexQuery doesn't set one.
	DefaultIndexLimit = 50

	// MaxIndexLimit caps the number of hits a single index query returns.
	MaxIndexLimit = 500
)

// IndexQuery describes a search over the eventually-consistent index.
// Index rows are interaction-grade: one row per indexed interaction.
type IndexQuery struct {
	// InactiveSince, when set, selects entities whose most recently
	// indexed interaction is at or before this cutoff. Each matching
	// entity yields one hit carrying its latest indexed interaction.
	// Mutually exclusive with From/To in practice, though gateways apply
	// both if given.
	InactiveSince *time.Time

	// From and To bound hit timestamps to the inclusive range [From, To].
	// A nil bound leaves that side open.
	From *time.Time
	To   *time.Time

	// Channel, when non-empty, restricts hits to interactions recorded on
	// that channel.
	Channel string

	// Event, when non-empty, restricts hits to interactions of that event
	// type.
	Event string

	// Limit caps the number of hits returned. Zero means
	// DefaultIndexLimit; values above MaxIndexLimit are clamped.
	Limit int
}

// Normalize applies limit defaults and converts time bounds to UTC.
func (q *IndexQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultIndexLimit
	}
	if q.Limit > MaxIndexLimit {
		q.Limit = MaxIndexLimit
	}
	if q.InactiveSince != nil {
		u := q.InactiveSince.UTC()
		q.InactiveSince = &u
	}
	if q.From != nil {
		u := q.From.UTC()
		q.From = &u
	}
	if q.To != nil {
		u := q.To.UTC()
		q.To = &u
	}
}

// GetOptions controls how much of an entity GetByKey materializes.
type GetOptions struct {
	// IncludeInteractions loads the entity's interactions. When false the
	// returned entity has a nil Interactions slice.
	IncludeInteractions bool

	// From and To bound loaded interactions to the inclusive range
	// [From, To]. Zero values leave that side open. Only consulted when
	// IncludeInteractions is true.
	From time.Time
	To   time.Time
}

// CreateResult reports the fate of one spec in a CreateBatch call.
type CreateResult struct {
	// EntityID is the store-assigned identifier. Set only when Err is nil.
	EntityID string

	// Err is nil on success, or wraps ErrConflict / ErrInvalidInput.
	Err error
}

// DeleteResult reports the fate of one id in a DeleteBatch call.
type DeleteResult struct {
	// EntityID echoes the requested id.
	EntityID string

	// Err is nil on success, or wraps ErrNotFound or a per-item store
	// failure.
	Err error
}
