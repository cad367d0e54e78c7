package migrations

import (
	"database/sql"
)

// getAllMigrations returns all available migrations
// Each migration corresponds to a presetd release
func getAllMigrations() []Migration {
	return []Migration{
		migration1_v010_PresetTables(),
		migration2_v020_ApplicationLedger(),
		migration3_v030_FacetChangeColumns(),
	}
}

// migration1_v010_PresetTables creates the preset and item tables
// Corresponds to presetd v0.1.0 - Initial release
func migration1_v010_PresetTables() Migration {
	return Migration{
		Version:     1,
		Description: "v0.1.0 - Create preset tables (presets, preset_items, preset_item_attrs)",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS presets (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					comments TEXT,
					author TEXT,
					site TEXT,
					release TEXT,
					created_at INTEGER NOT NULL,
					last_applied_at INTEGER NOT NULL DEFAULT 0
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_presets_name ON presets(name)`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS preset_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					preset_id TEXT NOT NULL,
					scope TEXT NOT NULL,
					name TEXT NOT NULL,
					value TEXT NOT NULL,
					UNIQUE (preset_id, scope, name),
					FOREIGN KEY (preset_id) REFERENCES presets(id) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_preset_items_preset_id ON preset_items(preset_id)`); err != nil {
				return err
			}

			// Secondary facets live in tagged side-rows so future facets
			// need no schema change.
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS preset_item_attrs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					item_id INTEGER NOT NULL,
					name TEXT NOT NULL,
					value TEXT NOT NULL,
					UNIQUE (item_id, name),
					FOREIGN KEY (item_id) REFERENCES preset_items(id) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			// Down migrations not supported yet
			return nil
		},
	}
}

// migration2_v020_ApplicationLedger creates the application ledger tables
// Corresponds to presetd v0.2.0 - Rollback support
func migration2_v020_ApplicationLedger() Migration {
	return Migration{
		Version:     2,
		Description: "v0.2.0 - Create application ledger (applications, application_items)",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS applications (
					id TEXT PRIMARY KEY,
					preset_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					applied_at INTEGER NOT NULL,
					FOREIGN KEY (preset_id) REFERENCES presets(id) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_applications_preset_id ON applications(preset_id)`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS application_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					application_id TEXT NOT NULL,
					scope TEXT NOT NULL,
					name TEXT NOT NULL,
					old_value TEXT NOT NULL,
					new_value TEXT NOT NULL,
					FOREIGN KEY (application_id) REFERENCES applications(id) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_application_items_application_id ON application_items(application_id)`); err != nil {
				return err
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			return nil
		},
	}
}

// migration3_v030_FacetChangeColumns records per-facet changes on ledger rows
// Corresponds to presetd v0.3.0 - Advanced-flag tracking
func migration3_v030_FacetChangeColumns() Migration {
	return Migration{
		Version:     3,
		Description: "v0.3.0 - Track facet changes (value_changed flag, application_item_attrs)",
		Up: func(tx *sql.Tx) error {
			// Items recorded before this version always changed their value.
			if _, err := tx.Exec(`
				ALTER TABLE application_items ADD COLUMN value_changed INTEGER NOT NULL DEFAULT 1
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS application_item_attrs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					app_item_id INTEGER NOT NULL,
					name TEXT NOT NULL,
					old_value TEXT NOT NULL,
					new_value TEXT NOT NULL,
					UNIQUE (app_item_id, name),
					FOREIGN KEY (app_item_id) REFERENCES application_items(id) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			return nil
		},
	}
}
