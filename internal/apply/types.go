package apply

import (
	"errors"

	"github.com/presetd/presetd/internal/preset"
)

// Operation-level errors. Everything below this level is collected into the
// structured report instead of being returned.
var (
	ErrLockTimeout = errors.New("could not acquire configuration lock")
)

// Outcome classifies the decision taken for one preset item
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeSkippedUnchanged Outcome = "skipped_unchanged"
	OutcomeExcluded         Outcome = "excluded_sensitive"
	OutcomeNotApplicable    Outcome = "not_applicable"
	OutcomeFailed           Outcome = "failed"
)

// ItemResult is the decision record for one preset item
type ItemResult struct {
	Scope   string  `json:"scope"`
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"` // error detail for failed items

	OldValue     string `json:"old_value,omitempty"`
	NewValue     string `json:"new_value,omitempty"`
	ValueChanged bool   `json:"value_changed"`

	// Attrs records secondary facet changes performed for the item,
	// keyed by facet name.
	Attrs map[string]preset.Change `json:"attrs,omitempty"`

	// FailedFacets records facets that could not be diffed or written,
	// keyed by facet name with the error detail.
	FailedFacets map[string]string `json:"failed_facets,omitempty"`
}

// Report is the structured result of one apply operation. The four buckets
// are disjoint and ordered by the preset's stored item order; every preset
// item appears in exactly one of them.
type Report struct {
	PresetID      string `json:"preset_id"`
	ApplicationID string `json:"application_id"`

	Applied       []ItemResult `json:"applied"`
	Skipped       []ItemResult `json:"skipped"`
	NotApplicable []ItemResult `json:"not_applicable"`
	Failed        []ItemResult `json:"failed"`
}

// RollbackItem is the result for one recorded change. Facet is empty for the
// setting's value itself and carries the facet name (e.g. "advanced") for
// attribute changes; each is rolled back as an independent unit.
type RollbackItem struct {
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	Facet     string `json:"facet,omitempty"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	LiveValue string `json:"live_value,omitempty"` // populated for diverged items
	Reason    string `json:"reason,omitempty"`     // error detail for failed items
}

// RollbackReport separates restored from unrestorable changes
type RollbackReport struct {
	ApplicationID string `json:"application_id"`

	Restored []RollbackItem `json:"restored"`
	Diverged []RollbackItem `json:"diverged"`
	Failed   []RollbackItem `json:"failed"`
}

// ApplyOptions tunes one apply operation
type ApplyOptions struct {
	// UserID owns the resulting application record.
	UserID string

	// OverrideExclusions applies sensitive settings despite the
	// site-configured exclusion list.
	OverrideExclusions bool
}
