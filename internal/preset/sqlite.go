package preset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite. The schema is
// owned by the migration manager (internal/db/migrations); the caller opens
// and migrates the database before constructing the store.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite-backed preset store
func NewSQLiteStore(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SQLiteStore{
		db:     db,
		logger: logger,
	}
}

// CreatePreset persists a preset with its items and attributes in one transaction
func (s *SQLiteStore) CreatePreset(ctx context.Context, p *Preset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO presets (id, name, comments, author, site, release, created_at, last_applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Comments, p.Author, p.Site, p.Release, p.CreatedAt, p.LastAppliedAt)
	if err != nil {
		return fmt.Errorf("failed to insert preset: %w", err)
	}

	for i := range p.Items {
		item := &p.Items[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO preset_items (preset_id, scope, name, value)
			VALUES (?, ?, ?, ?)
		`, p.ID, item.Scope, item.Name, item.Value)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateItem, item.Scope, item.Name)
			}
			return fmt.Errorf("failed to insert item %s/%s: %w", item.Scope, item.Name, err)
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read item id: %w", err)
		}
		item.ID = itemID

		for name, value := range item.Attrs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO preset_item_attrs (item_id, name, value)
				VALUES (?, ?, ?)
			`, itemID, name, value); err != nil {
				return fmt.Errorf("failed to insert attr %s of %s/%s: %w", name, item.Scope, item.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit preset: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"preset_id": p.ID,
		"name":      p.Name,
		"items":     len(p.Items),
	}).Info("Preset created")

	return nil
}

// GetPreset retrieves a preset including items and attributes
func (s *SQLiteStore) GetPreset(ctx context.Context, id string) (*Preset, error) {
	var p Preset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, comments, author, site, release, created_at, last_applied_at
		FROM presets WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Comments, &p.Author, &p.Site, &p.Release, &p.CreatedAt, &p.LastAppliedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, value FROM preset_items
		WHERE preset_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	index := make(map[int64]int)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Scope, &item.Name, &item.Value); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		index[item.ID] = len(p.Items)
		p.Items = append(p.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attrRows, err := s.db.QueryContext(ctx, `
		SELECT a.item_id, a.name, a.value
		FROM preset_item_attrs a
		JOIN preset_items i ON i.id = a.item_id
		WHERE i.preset_id = ?
		ORDER BY a.id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query item attrs: %w", err)
	}
	defer attrRows.Close()

	for attrRows.Next() {
		var itemID int64
		var name, value string
		if err := attrRows.Scan(&itemID, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan item attr: %w", err)
		}
		if idx, ok := index[itemID]; ok {
			if p.Items[idx].Attrs == nil {
				p.Items[idx].Attrs = make(map[string]string)
			}
			p.Items[idx].Attrs[name] = value
		}
	}
	if err := attrRows.Err(); err != nil {
		return nil, err
	}

	return &p, nil
}

// ListPresets returns all presets without items, newest first
func (s *SQLiteStore) ListPresets(ctx context.Context) ([]*Preset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, comments, author, site, release, created_at, last_applied_at
		FROM presets ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	var presets []*Preset
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.ID, &p.Name, &p.Comments, &p.Author, &p.Site, &p.Release, &p.CreatedAt, &p.LastAppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, &p)
	}

	return presets, rows.Err()
}

// UpdatePresetInfo renames a preset and edits its comments
func (s *SQLiteStore) UpdatePresetInfo(ctx context.Context, id, name, comments string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE presets SET name = ?, comments = ? WHERE id = ?
	`, name, comments, id)
	if err != nil {
		return fmt.Errorf("failed to update preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPresetNotFound
	}
	return nil
}

// DeletePreset removes a preset, cascading items, attributes and applications
func (s *SQLiteStore) DeletePreset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Cascades are done explicitly so the store does not depend on the
	// foreign_keys pragma being enabled on every connection.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM application_item_attrs WHERE app_item_id IN (
			SELECT ai.id FROM application_items ai
			JOIN applications a ON a.id = ai.application_id
			WHERE a.preset_id = ?
		)
	`, id); err != nil {
		return fmt.Errorf("failed to delete application item attrs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM application_items WHERE application_id IN (
			SELECT id FROM applications WHERE preset_id = ?
		)
	`, id); err != nil {
		return fmt.Errorf("failed to delete application items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE preset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete applications: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM preset_item_attrs WHERE item_id IN (
			SELECT id FROM preset_items WHERE preset_id = ?
		)
	`, id); err != nil {
		return fmt.Errorf("failed to delete item attrs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM preset_items WHERE preset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM presets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPresetNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.WithField("preset_id", id).Info("Preset deleted")
	return nil
}

// TouchApplied updates the preset's last-applied timestamp
func (s *SQLiteStore) TouchApplied(ctx context.Context, id string, appliedAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE presets SET last_applied_at = ? WHERE id = ?
	`, appliedAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPresetNotFound
	}
	return nil
}

// CreateApplication persists an application with its items in one transaction
func (s *SQLiteStore) CreateApplication(ctx context.Context, app *Application) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications (id, preset_id, user_id, applied_at)
		VALUES (?, ?, ?, ?)
	`, app.ID, app.PresetID, app.UserID, app.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}

	for i := range app.Items {
		item := &app.Items[i]
		valueChanged := 0
		if item.ValueChanged {
			valueChanged = 1
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO application_items (application_id, scope, name, old_value, new_value, value_changed)
			VALUES (?, ?, ?, ?, ?, ?)
		`, app.ID, item.Scope, item.Name, item.OldValue, item.NewValue, valueChanged)
		if err != nil {
			return fmt.Errorf("failed to insert application item %s/%s: %w", item.Scope, item.Name, err)
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read application item id: %w", err)
		}
		item.ID = itemID

		for name, change := range item.Attrs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO application_item_attrs (app_item_id, name, old_value, new_value)
				VALUES (?, ?, ?, ?)
			`, itemID, name, change.Old, change.New); err != nil {
				return fmt.Errorf("failed to insert attr change %s of %s/%s: %w", name, item.Scope, item.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit application: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"application_id": app.ID,
		"preset_id":      app.PresetID,
		"changes":        len(app.Items),
	}).Info("Application recorded")

	return nil
}

// GetApplication retrieves an application including items
func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	var app Application
	err := s.db.QueryRowContext(ctx, `
		SELECT id, preset_id, user_id, applied_at FROM applications WHERE id = ?
	`, id).Scan(&app.ID, &app.PresetID, &app.UserID, &app.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, old_value, new_value, value_changed
		FROM application_items WHERE application_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query application items: %w", err)
	}
	defer rows.Close()

	index := make(map[int64]int)
	for rows.Next() {
		var item AppliedItem
		var valueChanged int
		if err := rows.Scan(&item.ID, &item.Scope, &item.Name, &item.OldValue, &item.NewValue, &valueChanged); err != nil {
			return nil, fmt.Errorf("failed to scan application item: %w", err)
		}
		item.ValueChanged = valueChanged != 0
		index[item.ID] = len(app.Items)
		app.Items = append(app.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attrRows, err := s.db.QueryContext(ctx, `
		SELECT a.app_item_id, a.name, a.old_value, a.new_value
		FROM application_item_attrs a
		JOIN application_items ai ON ai.id = a.app_item_id
		WHERE ai.application_id = ?
		ORDER BY a.id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attr changes: %w", err)
	}
	defer attrRows.Close()

	for attrRows.Next() {
		var itemID int64
		var name string
		var change Change
		if err := attrRows.Scan(&itemID, &name, &change.Old, &change.New); err != nil {
			return nil, fmt.Errorf("failed to scan attr change: %w", err)
		}
		if idx, ok := index[itemID]; ok {
			if app.Items[idx].Attrs == nil {
				app.Items[idx].Attrs = make(map[string]Change)
			}
			app.Items[idx].Attrs[name] = change
		}
	}
	if err := attrRows.Err(); err != nil {
		return nil, err
	}

	return &app, nil
}

// ListApplications returns all applications of a preset, newest first
func (s *SQLiteStore) ListApplications(ctx context.Context, presetID string) ([]*Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, preset_id, user_id, applied_at
		FROM applications WHERE preset_id = ?
		ORDER BY applied_at DESC, id ASC
	`, presetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var apps []*Application
	for rows.Next() {
		var app Application
		if err := rows.Scan(&app.ID, &app.PresetID, &app.UserID, &app.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, &app)
	}

	return apps, rows.Err()
}

// DeleteApplication removes one application and its items
func (s *SQLiteStore) DeleteApplication(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM application_item_attrs WHERE app_item_id IN (
			SELECT id FROM application_items WHERE application_id = ?
		)
	`, id); err != nil {
		return fmt.Errorf("failed to delete attr changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM application_items WHERE application_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete application items: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrApplicationNotFound
	}

	return tx.Commit()
}

// Close closes the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
