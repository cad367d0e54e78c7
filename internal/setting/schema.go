package setting

// Decl declares one configurable option of the installation. Declarations
// are static; current values live in the configuration store.
type Decl struct {
	Scope       string   // owning scope, confstore.ScopeNone for globals
	Name        string   // option name, unique within the scope
	Control     Control  // primitive control type
	Label       string   // human-readable label
	Description string   // longer help text
	Default     string   // value assumed when nothing is stored
	Numeric     bool     // text settings holding numbers compare numerically
	Choices     []Choice // fixed choice list for select controls
	Advanced    bool     // setting carries an "advanced" facet
	Component   string   // owning component ("" for core settings)
	Class       string   // declared setting class, drives descriptor dispatch
}

// Page groups related settings the way the admin UI presents them
type Page struct {
	ID    string
	Label string
	Leaves []Decl
}

// Category is the top level of the declared configuration tree
type Category struct {
	ID    string
	Label string
	Pages []Page
}

// Schema is the full declared configuration tree of the installation
type Schema struct {
	Categories []Category

	// DisabledComponents lists components whose settings are currently
	// inaccessible. Their leaves are omitted from the registry (and so
	// report as not-applicable during preset application).
	DisabledComponents map[string]bool
}

// Leaves returns every declared leaf in tree order
func (s *Schema) Leaves() []Decl {
	var out []Decl
	for _, cat := range s.Categories {
		for _, page := range cat.Pages {
			out = append(out, page.Leaves...)
		}
	}
	return out
}

// DefaultSchema returns the built-in configuration tree of presetd itself.
// Deployments embed their own tree; this one covers the core site options
// and a couple of bundled components.
func DefaultSchema() *Schema {
	return &Schema{
		Categories: []Category{
			{
				ID:    "general",
				Label: "General",
				Pages: []Page{
					{
						ID:    "site",
						Label: "Site",
						Leaves: []Decl{
							{Scope: "none", Name: "sitename", Control: ControlText, Label: "Site name", Default: "presetd site"},
							{Scope: "none", Name: "supportemail", Control: ControlText, Label: "Support email", Default: "", Advanced: true},
							{Scope: "none", Name: "maintenance_mode", Control: ControlCheckbox, Label: "Maintenance mode", Description: "Read-only access while enabled", Default: "0"},
							{Scope: "none", Name: "frontpage_summary", Control: ControlTextarea, Label: "Front page summary", Default: ""},
						},
					},
					{
						ID:    "features",
						Label: "Features",
						Leaves: []Decl{
							{Scope: "none", Name: "usecomments", Control: ControlCheckbox, Label: "Enable comments", Default: "1"},
							{Scope: "none", Name: "enablebadges", Control: ControlCheckbox, Label: "Enable badges", Default: "1"},
							{Scope: "none", Name: "enablesearch", Control: ControlCheckbox, Label: "Enable global search", Default: "0"},
							{Scope: "none", Name: "search_engine", Control: ControlSelect, Label: "Search engine", Class: ClassHandlerSelect, Default: "simple"},
						},
					},
				},
			},
			{
				ID:    "security",
				Label: "Security",
				Pages: []Page{
					{
						ID:    "policies",
						Label: "Site policies",
						Leaves: []Decl{
							{Scope: "none", Name: "session_timeout", Control: ControlText, Label: "Session timeout", Description: "Seconds of inactivity before logout", Default: "86400", Numeric: true, Advanced: true},
							{Scope: "none", Name: "password_min_length", Control: ControlText, Label: "Minimum password length", Default: "8", Numeric: true},
							{Scope: "none", Name: "cron_secret", Control: ControlPassword, Label: "Cron secret", Default: ""},
						},
					},
				},
			},
			{
				ID:    "components",
				Label: "Components",
				Pages: []Page{
					{
						ID:    "mod_lesson",
						Label: "Lesson",
						Leaves: []Decl{
							{Scope: "mod_lesson", Name: "enabled", Control: ControlCheckbox, Label: "Lesson enabled", Default: "1", Component: "mod_lesson", Class: ClassComponentVisibility},
							{Scope: "mod_lesson", Name: "maxanswers", Control: ControlText, Label: "Maximum answers", Default: "4", Numeric: true, Advanced: true, Component: "mod_lesson"},
							{Scope: "mod_lesson", Name: "mediawidth", Control: ControlText, Label: "Media width", Default: "640", Numeric: true, Component: "mod_lesson"},
						},
					},
					{
						ID:    "mod_forum",
						Label: "Forum",
						Leaves: []Decl{
							{Scope: "mod_forum", Name: "enabled", Control: ControlCheckbox, Label: "Forum enabled", Default: "1", Component: "mod_forum", Class: ClassComponentVisibility},
							{Scope: "mod_forum", Name: "displaymode", Control: ControlSelect, Label: "Display mode", Default: "nested", Component: "mod_forum",
								Choices: []Choice{{Value: "flat", Label: "Flat"}, {Value: "nested", Label: "Nested"}, {Value: "threaded", Label: "Threaded"}}},
						},
					},
				},
			},
		},
	}
}
