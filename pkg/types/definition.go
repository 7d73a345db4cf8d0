package types

import "errors"

// Definition is a named, typed catalog entry in the store, for example a
// goal definition describing a trackable event type. At most one definition
// exists per (Type, Key) pair; the store enforces this through its atomic
// get-or-create operation.
type Definition struct {
	// ID is the store-assigned identifier.
	ID string `json:"id"`

	// Type classifies the definition (see DefinitionType constants).
	Type DefinitionType `json:"type"`

	// Key is the caller-chosen identifier, unique within the type.
	Key string `json:"key"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`
}

// Validate checks the caller-supplied fields of a definition request.
func (d Definition) Validate() error {
	if !IsValidDefinitionType(d.Type) {
		return errors.New("unknown definition type")
	}
	if d.Key == "" {
		return errors.New("definition key is required")
	}
	return nil
}
