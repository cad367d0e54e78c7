package setting

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/confstore"
)

// Declared setting classes with non-generic behavior. A Decl that names one
// of these resolves through the class table instead of its primitive control.
const (
	ClassComponentVisibility = "component_visibility"
	ClassHandlerSelect       = "handler_select"
)

// factory builds one descriptor for a declaration
type factory func(decl Decl, store confstore.Store, b *Builder) Descriptor

// overrideKey addresses a descriptor override for one exact
// component + class combination.
type overrideKey struct {
	Component string
	Class     string
}

// Registry is a point-in-time view of every applicable setting on the live
// system, keyed by (scope, name). It is built once per operation and never
// refreshed mid-operation.
type Registry struct {
	byScope map[string]map[string]Descriptor
	ordered []Descriptor
}

// Lookup resolves the descriptor for (scope, name)
func (r *Registry) Lookup(scope, name string) (Descriptor, bool) {
	names, ok := r.byScope[scope]
	if !ok {
		return nil, false
	}
	d, ok := names[name]
	return d, ok
}

// All returns every descriptor in deterministic (scope, name) order
func (r *Registry) All() []Descriptor {
	return r.ordered
}

// Len returns the number of applicable settings
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Builder walks a declared schema and produces a Registry, resolving every
// leaf to exactly one descriptor through an ordered chain of strategies:
//
//  1. override registered for the exact (component, class) combination
//  2. static class table entry
//  3. constructor for the declared primitive control
//  4. opaque fallback
//
// The chain is total: no leaf ever resolves to zero or two descriptors.
type Builder struct {
	store       confstore.Store
	logger      *logrus.Logger
	overrides   map[overrideKey]factory
	classTable  map[string]factory
	enumerators map[overrideKey]ChoiceEnumerator // keyed by (scope, name)
}

// NewBuilder creates a registry builder over the given configuration store
func NewBuilder(store confstore.Store, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Builder{
		store:       store,
		logger:      logger,
		overrides:   make(map[overrideKey]factory),
		enumerators: make(map[overrideKey]ChoiceEnumerator),
	}
	b.classTable = map[string]factory{
		ClassComponentVisibility: func(decl Decl, store confstore.Store, _ *Builder) Descriptor {
			return &componentVisibility{checkboxSetting{baseSetting{decl: decl, store: store}}}
		},
		ClassHandlerSelect: func(decl Decl, store confstore.Store, b *Builder) Descriptor {
			return &handlerSelect{
				selectSetting: selectSetting{baseSetting{decl: decl, store: store}},
				enumerate:     b.enumerators[overrideKey{decl.Scope, decl.Name}],
			}
		},
	}
	return b
}

// RegisterOverride installs a descriptor factory for one exact
// component + class combination. Overrides win over every other strategy.
func (b *Builder) RegisterOverride(component, class string, fn func(decl Decl, store confstore.Store) Descriptor) {
	b.overrides[overrideKey{component, class}] = func(decl Decl, store confstore.Store, _ *Builder) Descriptor {
		return fn(decl, store)
	}
}

// RegisterChoices installs a dynamic choice enumerator for one setting,
// consumed by handler-select descriptors.
func (b *Builder) RegisterChoices(scope, name string, fn ChoiceEnumerator) {
	b.enumerators[overrideKey{scope, name}] = fn
}

// Build walks the schema and produces the registry. Leaves of disabled
// components are omitted; malformed leaves are skipped with a warning.
func (b *Builder) Build(schema *Schema) *Registry {
	reg := &Registry{byScope: make(map[string]map[string]Descriptor)}

	for _, decl := range schema.Leaves() {
		if decl.Name == "" {
			b.logger.WithFields(logrus.Fields{
				"scope":     decl.Scope,
				"component": decl.Component,
			}).Warn("Skipping malformed setting declaration without a name")
			continue
		}
		if decl.Component != "" && schema.DisabledComponents[decl.Component] {
			continue
		}
		if decl.Scope == "" {
			decl.Scope = confstore.ScopeNone
		}

		d := b.resolve(decl)

		names, ok := reg.byScope[decl.Scope]
		if !ok {
			names = make(map[string]Descriptor)
			reg.byScope[decl.Scope] = names
		}
		names[decl.Name] = d
	}

	for _, names := range reg.byScope {
		for _, d := range names {
			reg.ordered = append(reg.ordered, d)
		}
	}
	sort.Slice(reg.ordered, func(i, j int) bool {
		if reg.ordered[i].Scope() != reg.ordered[j].Scope() {
			return reg.ordered[i].Scope() < reg.ordered[j].Scope()
		}
		return reg.ordered[i].Name() < reg.ordered[j].Name()
	})

	return reg
}

// resolve picks the most specific descriptor implementation for a leaf
func (b *Builder) resolve(decl Decl) Descriptor {
	if decl.Class != "" {
		if fn, ok := b.overrides[overrideKey{decl.Component, decl.Class}]; ok {
			return fn(decl, b.store, b)
		}
		if fn, ok := b.classTable[decl.Class]; ok {
			return fn(decl, b.store, b)
		}
	}

	base := baseSetting{decl: decl, store: b.store}
	switch decl.Control {
	case ControlText:
		return &textSetting{base}
	case ControlTextarea:
		return &textareaSetting{base}
	case ControlCheckbox:
		return &checkboxSetting{base}
	case ControlSelect:
		return &selectSetting{base}
	case ControlPassword, ControlOpaque:
		return &opaqueSetting{base}
	default:
		return &opaqueSetting{base}
	}
}

// Seed writes the declared default of every setting that has no stored value
// yet. Called once at boot so a fresh installation exposes a complete live
// configuration.
func Seed(ctx context.Context, store confstore.Store, schema *Schema, logger *logrus.Logger) error {
	seeded := 0
	for _, decl := range schema.Leaves() {
		if decl.Name == "" {
			continue
		}
		scope := decl.Scope
		if scope == "" {
			scope = confstore.ScopeNone
		}
		_, err := store.Get(ctx, scope, decl.Name)
		if err == nil {
			continue
		}
		if err != confstore.ErrNotFound {
			return fmt.Errorf("failed to read %s/%s while seeding: %w", scope, decl.Name, err)
		}
		if _, err := store.Set(ctx, scope, decl.Name, decl.Default); err != nil {
			return fmt.Errorf("failed to seed %s/%s: %w", scope, decl.Name, err)
		}
		seeded++
	}
	if logger != nil && seeded > 0 {
		logger.WithField("count", seeded).Info("Seeded default configuration values")
	}
	return nil
}
