package setting

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presetd/presetd/internal/confstore"
)

func testSchema() *Schema {
	return &Schema{
		Categories: []Category{
			{
				ID: "general", Label: "General",
				Pages: []Page{
					{
						ID: "site", Label: "Site",
						Leaves: []Decl{
							{Scope: "none", Name: "sitename", Control: ControlText, Default: "test"},
							{Scope: "none", Name: "usecomments", Control: ControlCheckbox, Default: "1"},
						},
					},
				},
			},
			{
				ID: "components", Label: "Components",
				Pages: []Page{
					{
						ID: "mod_lesson", Label: "Lesson",
						Leaves: []Decl{
							{Scope: "mod_lesson", Name: "enabled", Control: ControlCheckbox, Default: "1", Component: "mod_lesson", Class: ClassComponentVisibility},
							{Scope: "mod_lesson", Name: "maxanswers", Control: ControlText, Numeric: true, Default: "4", Component: "mod_lesson"},
						},
					},
				},
			},
		},
	}
}

func TestBuildResolvesEveryLeaf(t *testing.T) {
	store := confstore.NewMemoryStore()
	reg := NewBuilder(store, logrus.New()).Build(testSchema())

	assert.Equal(t, 4, reg.Len())

	for _, decl := range testSchema().Leaves() {
		d, ok := reg.Lookup(decl.Scope, decl.Name)
		require.True(t, ok, "leaf %s/%s must resolve", decl.Scope, decl.Name)
		assert.Equal(t, decl.Name, d.Name())
	}
}

func TestBuildSkipsDisabledComponents(t *testing.T) {
	store := confstore.NewMemoryStore()
	schema := testSchema()
	schema.DisabledComponents = map[string]bool{"mod_lesson": true}

	reg := NewBuilder(store, logrus.New()).Build(schema)

	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Lookup("mod_lesson", "maxanswers")
	assert.False(t, ok)
}

func TestBuildSkipsMalformedLeaves(t *testing.T) {
	store := confstore.NewMemoryStore()
	schema := &Schema{Categories: []Category{{ID: "c", Pages: []Page{{ID: "p", Leaves: []Decl{
		{Scope: "none", Name: "", Control: ControlText},
		{Scope: "none", Name: "valid", Control: ControlText},
	}}}}}}

	reg := NewBuilder(store, logrus.New()).Build(schema)
	assert.Equal(t, 1, reg.Len())
}

func TestBuildDefaultsEmptyScope(t *testing.T) {
	store := confstore.NewMemoryStore()
	schema := &Schema{Categories: []Category{{ID: "c", Pages: []Page{{ID: "p", Leaves: []Decl{
		{Name: "orphan", Control: ControlText},
	}}}}}}

	reg := NewBuilder(store, logrus.New()).Build(schema)
	_, ok := reg.Lookup(confstore.ScopeNone, "orphan")
	assert.True(t, ok)
}

// Dispatch precedence: an override beats the class table, the class table
// beats the primitive control.
func TestDispatchPrecedence(t *testing.T) {
	store := confstore.NewMemoryStore()
	b := NewBuilder(store, logrus.New())

	overridden := false
	b.RegisterOverride("mod_lesson", ClassComponentVisibility, func(decl Decl, store confstore.Store) Descriptor {
		overridden = true
		return &opaqueSetting{baseSetting{decl: decl, store: store}}
	})

	reg := b.Build(testSchema())
	require.True(t, overridden)

	// The override produced an opaque descriptor instead of the class
	// table's visibility descriptor.
	d, ok := reg.Lookup("mod_lesson", "enabled")
	require.True(t, ok)
	_, isOpaque := d.(*opaqueSetting)
	assert.True(t, isOpaque)

	// Leaves without class still resolve through their control
	d, ok = reg.Lookup("mod_lesson", "maxanswers")
	require.True(t, ok)
	_, isText := d.(*textSetting)
	assert.True(t, isText)
}

func TestRegistryAllIsOrdered(t *testing.T) {
	store := confstore.NewMemoryStore()
	reg := NewBuilder(store, logrus.New()).Build(testSchema())

	all := reg.All()
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		prev := all[i-1].Scope() + "/" + all[i-1].Name()
		cur := all[i].Scope() + "/" + all[i].Name()
		assert.Less(t, prev, cur)
	}
}

func TestSeedWritesOnlyUnsetDefaults(t *testing.T) {
	ctx := context.Background()
	store := confstore.NewMemoryStore()
	schema := testSchema()

	_, err := store.Set(ctx, "none", "sitename", "customized")
	require.NoError(t, err)

	require.NoError(t, Seed(ctx, store, schema, logrus.New()))

	value, err := store.Get(ctx, "none", "sitename")
	require.NoError(t, err)
	assert.Equal(t, "customized", value)

	value, err = store.Get(ctx, "none", "usecomments")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	// Seeding again is a no-op
	require.NoError(t, Seed(ctx, store, schema, logrus.New()))
}
