// Package types defines the core data structures for the Converge client:
// entities held in the primary store, the interactions attached to them,
// the lightweight hits produced by the lagging search index, and the
// reference definitions looked up or created on demand.
package types

// DefinitionType classifies a reference definition in the store's catalog.
type DefinitionType string

// Reference definition type constants
const (
	// DefinitionGoal describes a trackable goal (e.g. "watched demo video").
	DefinitionGoal DefinitionType = "goal"

	// DefinitionEventType describes a named interaction event type.
	DefinitionEventType DefinitionType = "event_type"

	// DefinitionChannel describes an interaction channel registration.
	DefinitionChannel DefinitionType = "channel"
)

// ValidDefinitionTypes is a slice of all valid definition types for validation.
var ValidDefinitionTypes = []DefinitionType{
	DefinitionGoal,
	DefinitionEventType,
	DefinitionChannel,
}

// IsValidDefinitionType checks if the given definition type is valid.
func IsValidDefinitionType(defType DefinitionType) bool {
	for _, validType := range ValidDefinitionTypes {
		if validType == defType {
			return true
		}
	}
	return false
}

// Well-known facet names. Facet names are open-ended; these constants cover
// the facets the reference gateways and the walkthrough driver use.
const (
	// FacetPersonal holds personal information (first/last name, title, ...).
	FacetPersonal = "personal"

	// FacetPreferences holds communication preferences.
	FacetPreferences = "preferences"

	// FacetNetwork holds originating network details on an interaction
	// (e.g. remote address).
	FacetNetwork = "network"

	// FacetBusinessContext names the business context an interaction
	// occurred in (e.g. a campaign identifier).
	FacetBusinessContext = "business_context"
)
