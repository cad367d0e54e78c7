package setting

// TreeNode is one node of the hierarchical category → page → setting view
// used by selection UIs and export filtering.
type TreeNode struct {
	ID       string      `json:"id"`
	Label    string      `json:"label"`
	Kind     string      `json:"kind"` // root, category, page, setting
	Scope    string      `json:"scope,omitempty"`
	Name     string      `json:"name,omitempty"`
	Control  Control     `json:"control,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Node kinds
const (
	KindRoot     = "root"
	KindCategory = "category"
	KindPage     = "page"
	KindSetting  = "setting"
)

// BuildTree arranges the declared schema into a tree, keeping only the
// leaves accepted by keep (keep == nil keeps everything). Non-leaf nodes
// left without any leaf descendant are pruned from the result.
func BuildTree(schema *Schema, keep func(scope, name string) bool) *TreeNode {
	root := &TreeNode{ID: "root", Kind: KindRoot}

	// Top-down: mirror the declared structure and attach accepted leaves.
	for _, cat := range schema.Categories {
		catNode := &TreeNode{ID: cat.ID, Label: cat.Label, Kind: KindCategory}
		for _, page := range cat.Pages {
			pageNode := &TreeNode{ID: page.ID, Label: page.Label, Kind: KindPage}
			for _, decl := range page.Leaves {
				if decl.Name == "" {
					continue
				}
				if decl.Component != "" && schema.DisabledComponents[decl.Component] {
					continue
				}
				if keep != nil && !keep(decl.Scope, decl.Name) {
					continue
				}
				pageNode.Children = append(pageNode.Children, &TreeNode{
					ID:      decl.Scope + "/" + decl.Name,
					Label:   decl.Label,
					Kind:    KindSetting,
					Scope:   decl.Scope,
					Name:    decl.Name,
					Control: decl.Control,
				})
			}
			catNode.Children = append(catNode.Children, pageNode)
		}
		root.Children = append(root.Children, catNode)
	}

	// Bottom-up: prune empty pages, then categories emptied by that pass.
	// Two passes because pruning cascades upward.
	prune(root)

	return root
}

// prune removes non-leaf descendants with no leaf below them
func prune(node *TreeNode) {
	kept := node.Children[:0]
	for _, child := range node.Children {
		if child.Kind != KindSetting {
			prune(child)
			if len(child.Children) == 0 {
				continue
			}
		}
		kept = append(kept, child)
	}
	node.Children = kept
}

// LeafCount returns the number of setting leaves below the node
func (n *TreeNode) LeafCount() int {
	if n.Kind == KindSetting {
		return 1
	}
	total := 0
	for _, child := range n.Children {
		total += child.LeafCount()
	}
	return total
}
