package orchestrate

// OutcomeStatus classifies what happened to one item of a batch operation.
type OutcomeStatus string

const (
	// OutcomeSucceeded means the item was applied; EntityID is set.
	OutcomeSucceeded OutcomeStatus = "succeeded"

	// OutcomeConflict means the item collided with an existing external
	// key. Not retried; the existing entity is left untouched.
	OutcomeConflict OutcomeStatus = "conflict"

	// OutcomeValidationFailed means the item was malformed and never
	// reached the store, or was rejected by store-side validation.
	OutcomeValidationFailed OutcomeStatus = "validation_failed"

	// OutcomeTransientFailure means the item failed for a reason that may
	// clear on retry, such as a transport failure. The underlying error is
	// retained on the outcome.
	OutcomeTransientFailure OutcomeStatus = "transient_failure"
)

// Outcome is the result of one item in a batch operation.
type Outcome struct {
	// Status classifies the result.
	Status OutcomeStatus

	// EntityID is the store-assigned identifier for succeeded creates, or
	// the requested identifier for deletes.
	EntityID string

	// Err carries the underlying error for non-succeeded outcomes.
	Err error
}

// OutcomeSet holds exactly one Outcome per input item, in input order.
// Batch operations are never partially silent: every input item appears
// here even when the whole request failed in transit.
type OutcomeSet []Outcome

// Succeeded returns the outcomes that were applied.
func (s OutcomeSet) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range s {
		if o.Status == OutcomeSucceeded {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes that were not applied.
func (s OutcomeSet) Failed() []Outcome {
	var out []Outcome
	for _, o := range s {
		if o.Status != OutcomeSucceeded {
			out = append(out, o)
		}
	}
	return out
}

// Count returns how many outcomes carry the given status.
func (s OutcomeSet) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range s {
		if o.Status == status {
			n++
		}
	}
	return n
}

// EntityIDs returns the identifiers of the succeeded outcomes, in order.
func (s OutcomeSet) EntityIDs() []string {
	var ids []string
	for _, o := range s {
		if o.Status == OutcomeSucceeded {
			ids = append(ids, o.EntityID)
		}
	}
	return ids
}
