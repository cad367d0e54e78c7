package setting

import (
	"context"
	"errors"
)

// Control identifies the primitive form control a setting is edited with.
// It drives both validation and the generic descriptor dispatch.
type Control string

const (
	ControlText     Control = "text"
	ControlTextarea Control = "textarea"
	ControlCheckbox Control = "checkbox"
	ControlSelect   Control = "select"
	ControlPassword Control = "password"
	ControlOpaque   Control = "opaque"
)

// AttrAdvanced is the facet name under which the "advanced" toggle of a
// setting is tracked in preset items and ledger entries.
const AttrAdvanced = "advanced"

// Common descriptor errors
var (
	ErrInvalidValue = errors.New("invalid value for setting")
	ErrNoChoices    = errors.New("setting has no enumerable choices")
)

// Choice is one selectable value of a select-style setting
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ChoiceEnumerator discovers the valid choices of a setting dynamically,
// e.g. from the set of installed handlers implementing a capability.
type ChoiceEnumerator func(ctx context.Context) ([]Choice, error)

// Descriptor is the live-system abstraction over one configurable option.
// Implementations are polymorphic over exactly four capabilities: read,
// write, compare and choice enumeration. Most override only one of them.
type Descriptor interface {
	// Scope returns the owning component identifier, or confstore.ScopeNone
	// for global options.
	Scope() string

	// Name returns the option name, unique within its scope.
	Name() string

	// Control returns the primitive control type of the setting.
	Control() Control

	// Label returns the human-readable label.
	Label() string

	// AdvancedCapable reports whether the setting carries an "advanced"
	// secondary facet.
	AdvancedCapable() bool

	// Read returns the current live value, falling back to the declared
	// default when the option has never been written.
	Read(ctx context.Context) (string, error)

	// Write validates and stores a new value, returning the previous one.
	// Specialized descriptors may perform side effects on write.
	Write(ctx context.Context, value string) (string, error)

	// Compare reports whether two serialized values are equal under the
	// setting's own equality semantics (numeric settings compare
	// numerically, checkboxes normalize boolean tokens).
	Compare(a, b string) bool

	// Choices enumerates the valid values of a select-style setting.
	// Returns ErrNoChoices for free-form controls.
	Choices(ctx context.Context) ([]Choice, error)

	// ReadAdvanced returns the current state of the advanced facet.
	ReadAdvanced(ctx context.Context) (bool, error)

	// WriteAdvanced stores the advanced facet, returning the previous state.
	WriteAdvanced(ctx context.Context, on bool) (bool, error)
}
