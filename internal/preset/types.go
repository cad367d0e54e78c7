package preset

import (
	"context"
	"errors"
)

// Common store errors
var (
	ErrPresetNotFound      = errors.New("preset not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrDuplicateItem       = errors.New("duplicate preset item")
)

// Preset is a named, stored snapshot of configuration option values
type Preset struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Comments      string `json:"comments"`
	Author        string `json:"author"`
	Site          string `json:"site"`     // originating site identifier
	Release       string `json:"release"`  // originating system version
	CreatedAt     int64  `json:"created_at"`
	LastAppliedAt int64  `json:"last_applied_at"` // 0 if never applied
	Items         []Item `json:"items,omitempty"`
}

// Item is one (scope, name, value) entry within a preset. Attrs carries
// secondary facets of the same logical setting (e.g. its "advanced" toggle)
// as tagged name/value pairs. Items are immutable after creation.
type Item struct {
	ID    int64             `json:"id"`
	Scope string            `json:"scope"`
	Name  string            `json:"name"`
	Value string            `json:"value"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Change is one recorded old/new value pair
type Change struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// AppliedItem records one setting an application actually changed. A row
// exists only when the value or at least one facet changed; no-op writes are
// never recorded. ValueChanged distinguishes facet-only entries.
type AppliedItem struct {
	ID           int64             `json:"id"`
	Scope        string            `json:"scope"`
	Name         string            `json:"name"`
	OldValue     string            `json:"old_value"`
	NewValue     string            `json:"new_value"`
	ValueChanged bool              `json:"value_changed"`
	Attrs        map[string]Change `json:"attrs,omitempty"`
}

// Application records one occasion a preset was applied, with enough detail
// to attempt reversal.
type Application struct {
	ID        string        `json:"id"`
	PresetID  string        `json:"preset_id"`
	UserID    string        `json:"user_id"`
	AppliedAt int64         `json:"applied_at"`
	Items     []AppliedItem `json:"items,omitempty"`
}

// Store defines persistence for presets and their application ledger
type Store interface {
	// CreatePreset persists a preset with its items and attributes in one
	// transaction. The preset must carry a unique ID.
	CreatePreset(ctx context.Context, p *Preset) error

	// GetPreset retrieves a preset including items and attributes.
	// Returns ErrPresetNotFound if the id is unknown.
	GetPreset(ctx context.Context, id string) (*Preset, error)

	// ListPresets returns all presets without items, newest first.
	ListPresets(ctx context.Context) ([]*Preset, error)

	// UpdatePresetInfo renames a preset and edits its comments. Items are
	// immutable and not touched.
	UpdatePresetInfo(ctx context.Context, id, name, comments string) error

	// DeletePreset removes a preset, cascading items, attributes and every
	// application recorded for it.
	DeletePreset(ctx context.Context, id string) error

	// TouchApplied updates the preset's last-applied timestamp.
	TouchApplied(ctx context.Context, id string, appliedAt int64) error

	// CreateApplication persists an application with its items and
	// attribute changes in one transaction.
	CreateApplication(ctx context.Context, app *Application) error

	// GetApplication retrieves an application including items.
	// Returns ErrApplicationNotFound if the id is unknown.
	GetApplication(ctx context.Context, id string) (*Application, error)

	// ListApplications returns all applications of a preset, newest first,
	// without items.
	ListApplications(ctx context.Context, presetID string) ([]*Application, error)

	// DeleteApplication removes one application and its items.
	DeleteApplication(ctx context.Context, id string) error

	// Close closes the store.
	Close() error
}
