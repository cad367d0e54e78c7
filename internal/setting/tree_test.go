package setting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTreeKeepsEverythingWithoutFilter(t *testing.T) {
	tree := BuildTree(testSchema(), nil)

	require.NotNil(t, tree)
	assert.Equal(t, KindRoot, tree.Kind)
	assert.Len(t, tree.Children, 2)
	assert.Equal(t, 4, tree.LeafCount())
}

func TestBuildTreeFiltersLeaves(t *testing.T) {
	tree := BuildTree(testSchema(), func(scope, name string) bool {
		return scope == "mod_lesson"
	})

	assert.Equal(t, 2, tree.LeafCount())

	// The category holding only rejected leaves is gone entirely
	for _, cat := range tree.Children {
		assert.NotEqual(t, "general", cat.ID)
	}
}

// Pruning cascades: removing every leaf of a page removes the page, and a
// category left without pages disappears with it.
func TestBuildTreePruneCascades(t *testing.T) {
	tree := BuildTree(testSchema(), func(scope, name string) bool {
		return name == "sitename"
	})

	require.Len(t, tree.Children, 1)
	cat := tree.Children[0]
	assert.Equal(t, "general", cat.ID)
	require.Len(t, cat.Children, 1)
	page := cat.Children[0]
	assert.Equal(t, "site", page.ID)
	require.Len(t, page.Children, 1)
	assert.Equal(t, "sitename", page.Children[0].Name)
}

func TestBuildTreeRejectingAllLeavesYieldsEmptyRoot(t *testing.T) {
	tree := BuildTree(testSchema(), func(scope, name string) bool { return false })

	require.NotNil(t, tree)
	assert.Empty(t, tree.Children)
	assert.Equal(t, 0, tree.LeafCount())
}

func TestBuildTreeOmitsDisabledComponents(t *testing.T) {
	schema := testSchema()
	schema.DisabledComponents = map[string]bool{"mod_lesson": true}

	tree := BuildTree(schema, nil)
	assert.Equal(t, 2, tree.LeafCount())
}
