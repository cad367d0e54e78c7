package setting

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/presetd/presetd/internal/confstore"
)

// AdvancedName derives the store key under which a setting's advanced facet
// is tracked alongside its value.
func AdvancedName(name string) string {
	return name + "__advanced"
}

// baseSetting implements the generic read/write/compare path shared by every
// descriptor. Specialized descriptors embed it and override single methods.
type baseSetting struct {
	decl  Decl
	store confstore.Store
}

func (b *baseSetting) Scope() string         { return b.decl.Scope }
func (b *baseSetting) Name() string          { return b.decl.Name }
func (b *baseSetting) Control() Control      { return b.decl.Control }
func (b *baseSetting) Label() string         { return b.decl.Label }
func (b *baseSetting) AdvancedCapable() bool { return b.decl.Advanced }

// Read returns the stored value, or the declared default when the option has
// never been written.
func (b *baseSetting) Read(ctx context.Context) (string, error) {
	value, err := b.store.Get(ctx, b.decl.Scope, b.decl.Name)
	if err == confstore.ErrNotFound {
		return b.decl.Default, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Write stores the raw value without validation and returns the previous one
func (b *baseSetting) Write(ctx context.Context, value string) (string, error) {
	old, err := b.Read(ctx)
	if err != nil {
		return "", err
	}
	if _, err := b.store.Set(ctx, b.decl.Scope, b.decl.Name, value); err != nil {
		return "", err
	}
	return old, nil
}

// Compare uses strict string equality
func (b *baseSetting) Compare(a, other string) bool {
	return a == other
}

// Choices reports that the setting is free-form
func (b *baseSetting) Choices(ctx context.Context) ([]Choice, error) {
	return nil, ErrNoChoices
}

// ReadAdvanced returns the current state of the advanced facet
func (b *baseSetting) ReadAdvanced(ctx context.Context) (bool, error) {
	if !b.decl.Advanced {
		return false, nil
	}
	value, err := b.store.Get(ctx, b.decl.Scope, AdvancedName(b.decl.Name))
	if err == confstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

// WriteAdvanced stores the advanced facet and returns the previous state
func (b *baseSetting) WriteAdvanced(ctx context.Context, on bool) (bool, error) {
	old, err := b.ReadAdvanced(ctx)
	if err != nil {
		return false, err
	}
	value := "0"
	if on {
		value = "1"
	}
	if _, err := b.store.Set(ctx, b.decl.Scope, AdvancedName(b.decl.Name), value); err != nil {
		return false, err
	}
	return old, nil
}

// ==================== Generic descriptors ====================

// textSetting handles single-line text options. Numeric declarations compare
// numerically so "1" and "1.0" are equal.
type textSetting struct {
	baseSetting
}

func (t *textSetting) Write(ctx context.Context, value string) (string, error) {
	if t.decl.Numeric {
		if _, err := cast.ToFloat64E(strings.TrimSpace(value)); err != nil {
			return "", fmt.Errorf("%w: %s/%s expects a number, got %q", ErrInvalidValue, t.decl.Scope, t.decl.Name, value)
		}
	}
	return t.baseSetting.Write(ctx, value)
}

func (t *textSetting) Compare(a, b string) bool {
	if t.decl.Numeric {
		af, aerr := cast.ToFloat64E(strings.TrimSpace(a))
		bf, berr := cast.ToFloat64E(strings.TrimSpace(b))
		if aerr == nil && berr == nil {
			return af == bf
		}
	}
	return a == b
}

// textareaSetting compares values with normalized line endings so presets
// exported on another platform do not produce spurious diffs.
type textareaSetting struct {
	baseSetting
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func (t *textareaSetting) Compare(a, b string) bool {
	return normalizeNewlines(a) == normalizeNewlines(b)
}

// checkboxSetting normalizes boolean tokens on both write and compare, and
// always stores the canonical "1"/"0" form.
type checkboxSetting struct {
	baseSetting
}

func parseBoolToken(s string) (bool, error) {
	return cast.ToBoolE(strings.ToLower(strings.TrimSpace(s)))
}

func (c *checkboxSetting) Write(ctx context.Context, value string) (string, error) {
	on, err := parseBoolToken(value)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s expects a boolean, got %q", ErrInvalidValue, c.decl.Scope, c.decl.Name, value)
	}
	canonical := "0"
	if on {
		canonical = "1"
	}
	return c.baseSetting.Write(ctx, canonical)
}

func (c *checkboxSetting) Compare(a, b string) bool {
	ab, aerr := parseBoolToken(a)
	bb, berr := parseBoolToken(b)
	if aerr == nil && berr == nil {
		return ab == bb
	}
	return a == b
}

// selectSetting validates writes against its fixed choice list
type selectSetting struct {
	baseSetting
}

func (s *selectSetting) Choices(ctx context.Context) ([]Choice, error) {
	return s.decl.Choices, nil
}

func (s *selectSetting) Write(ctx context.Context, value string) (string, error) {
	choices, err := s.Choices(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if c.Value == value {
			return s.baseSetting.Write(ctx, value)
		}
	}
	return "", fmt.Errorf("%w: %q is not a valid choice for %s/%s", ErrInvalidValue, value, s.decl.Scope, s.decl.Name)
}

// opaqueSetting is the fallback descriptor: raw read/write, strict compare,
// no validation. Password controls use it too so secrets are never coerced.
type opaqueSetting struct {
	baseSetting
}

// ==================== Specialized descriptors ====================

// VisibleName is the store key under which a component's visibility flag is
// tracked within its scope.
const VisibleName = "visible"

// componentVisibility is a checkbox whose write additionally flips the
// owning component's visibility flag in the configuration store.
type componentVisibility struct {
	checkboxSetting
}

func (v *componentVisibility) Write(ctx context.Context, value string) (string, error) {
	old, err := v.checkboxSetting.Write(ctx, value)
	if err != nil {
		return "", err
	}
	on, _ := parseBoolToken(value)
	visible := "0"
	if on {
		visible = "1"
	}
	if _, err := v.store.Set(ctx, v.decl.Scope, VisibleName, visible); err != nil {
		return "", fmt.Errorf("failed to update visibility of %s: %w", v.decl.Scope, err)
	}
	return old, nil
}

// handlerSelect is a select whose valid values are discovered at runtime
// from a registered enumerator instead of a fixed list.
type handlerSelect struct {
	selectSetting
	enumerate ChoiceEnumerator
}

func (h *handlerSelect) Choices(ctx context.Context) ([]Choice, error) {
	if h.enumerate == nil {
		return h.decl.Choices, nil
	}
	return h.enumerate(ctx)
}

func (h *handlerSelect) Write(ctx context.Context, value string) (string, error) {
	choices, err := h.Choices(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to enumerate choices for %s/%s: %w", h.decl.Scope, h.decl.Name, err)
	}
	for _, c := range choices {
		if c.Value == value {
			return h.baseSetting.Write(ctx, value)
		}
	}
	return "", fmt.Errorf("%w: %q is not an installed handler for %s/%s", ErrInvalidValue, value, h.decl.Scope, h.decl.Name)
}
