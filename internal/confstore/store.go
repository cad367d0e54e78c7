package confstore

import (
	"context"
	"errors"
)

// ScopeNone identifies global options that do not belong to any component.
const ScopeNone = "none"

// ErrNotFound is returned when a (scope, name) pair has no stored value.
var ErrNotFound = errors.New("setting not found")

// Entry is one stored configuration value.
type Entry struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Store provides access to the live configuration of the installation.
// Every value is stored string-serialized regardless of its declared type.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored for (scope, name).
	// Returns ErrNotFound if the pair has never been written.
	Get(ctx context.Context, scope, name string) (string, error)

	// Set writes a value and returns the previous one ("" if the pair
	// did not exist before).
	Set(ctx context.Context, scope, name, value string) (string, error)

	// Delete removes a pair. Deleting an absent pair is not an error.
	Delete(ctx context.Context, scope, name string) error

	// List returns every stored entry in deterministic (scope, name) order.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the underlying storage engine.
	Close() error
}
