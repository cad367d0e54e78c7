package preset

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/presetd/presetd/internal/db/migrations"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "presets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	migrator := migrations.NewMigrationManager(db, logger)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Migrate())

	return NewSQLiteStore(db, logger)
}

func samplePreset(id string) *Preset {
	return &Preset{
		ID:        id,
		Name:      "winter exam setup",
		Comments:  "locked-down configuration for exam weeks",
		Author:    "admin",
		Site:      "example.edu",
		Release:   "4.1",
		CreatedAt: time.Now().Unix(),
		Items: []Item{
			{Scope: "none", Name: "usecomments", Value: "0"},
			{Scope: "mod_lesson", Name: "maxanswers", Value: "5", Attrs: map[string]string{"advanced": "1"}},
		},
	}
}

func TestPresetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))

	p, err := store.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "winter exam setup", p.Name)
	assert.Equal(t, "example.edu", p.Site)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "usecomments", p.Items[0].Name)
	assert.Equal(t, "1", p.Items[1].Attrs["advanced"])
	assert.Nil(t, p.Items[0].Attrs)
}

func TestGetPresetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPreset(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestCreatePresetRejectsDuplicateItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := samplePreset("p1")
	p.Items = append(p.Items, Item{Scope: "none", Name: "usecomments", Value: "1"})

	err := store.CreatePreset(ctx, p)
	assert.ErrorIs(t, err, ErrDuplicateItem)

	// The whole transaction rolled back
	_, err = store.GetPreset(ctx, "p1")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestListPresetsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := samplePreset("p1")
	older.CreatedAt = 100
	newer := samplePreset("p2")
	newer.CreatedAt = 200
	require.NoError(t, store.CreatePreset(ctx, older))
	require.NoError(t, store.CreatePreset(ctx, newer))

	presets, err := store.ListPresets(ctx)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, "p2", presets[0].ID)
	assert.Nil(t, presets[0].Items)
}

func TestUpdatePresetInfo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.UpdatePresetInfo(ctx, "p1", "renamed", "new comments"))

	p, err := store.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", p.Name)
	assert.Equal(t, "new comments", p.Comments)
	// Items untouched
	assert.Len(t, p.Items, 2)

	assert.ErrorIs(t, store.UpdatePresetInfo(ctx, "missing", "x", ""), ErrPresetNotFound)
}

func TestTouchApplied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.TouchApplied(ctx, "p1", 12345))

	p, err := store.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, p.LastAppliedAt)
}

func sampleApplication(id, presetID string) *Application {
	return &Application{
		ID:        id,
		PresetID:  presetID,
		UserID:    "admin",
		AppliedAt: time.Now().Unix(),
		Items: []AppliedItem{
			{Scope: "none", Name: "usecomments", OldValue: "1", NewValue: "0", ValueChanged: true},
			{Scope: "mod_lesson", Name: "maxanswers", ValueChanged: false,
				Attrs: map[string]Change{"advanced": {Old: "0", New: "1"}}},
		},
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.CreateApplication(ctx, sampleApplication("a1", "p1")))

	app, err := store.GetApplication(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "p1", app.PresetID)
	require.Len(t, app.Items, 2)
	assert.True(t, app.Items[0].ValueChanged)
	assert.False(t, app.Items[1].ValueChanged)
	assert.Equal(t, Change{Old: "0", New: "1"}, app.Items[1].Attrs["advanced"])
}

func TestEmptyApplicationIsRecorded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.CreateApplication(ctx, &Application{
		ID: "a1", PresetID: "p1", UserID: "admin", AppliedAt: 100,
	}))

	app, err := store.GetApplication(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, app.Items)
}

func TestListApplicationsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))

	first := sampleApplication("a1", "p1")
	first.AppliedAt = 100
	second := sampleApplication("a2", "p1")
	second.AppliedAt = 200
	require.NoError(t, store.CreateApplication(ctx, first))
	require.NoError(t, store.CreateApplication(ctx, second))

	apps, err := store.ListApplications(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "a2", apps[0].ID)
	assert.Nil(t, apps[0].Items)
}

func TestDeletePresetCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.CreateApplication(ctx, sampleApplication("a1", "p1")))

	require.NoError(t, store.DeletePreset(ctx, "p1"))

	_, err := store.GetPreset(ctx, "p1")
	assert.ErrorIs(t, err, ErrPresetNotFound)
	_, err = store.GetApplication(ctx, "a1")
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	assert.ErrorIs(t, store.DeletePreset(ctx, "p1"), ErrPresetNotFound)
}

func TestDeleteApplication(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePreset(ctx, samplePreset("p1")))
	require.NoError(t, store.CreateApplication(ctx, sampleApplication("a1", "p1")))

	require.NoError(t, store.DeleteApplication(ctx, "a1"))
	_, err := store.GetApplication(ctx, "a1")
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	// The preset survives
	_, err = store.GetPreset(ctx, "p1")
	require.NoError(t, err)

	assert.ErrorIs(t, store.DeleteApplication(ctx, "a1"), ErrApplicationNotFound)
}
