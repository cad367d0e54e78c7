package apply

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

	"github.com/presetd/presetd/internal/confstore"
	"github.com/presetd/presetd/internal/db/migrations"
	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

type testEnv struct {
	engine  *Engine
	conf    confstore.Store
	presets preset.Store
	schema  *setting.Schema
}

func newTestEnv(t *testing.T, exclusions string) *testEnv {
	return newTestEnvStore(t, exclusions, confstore.NewMemoryStore())
}

func newTestEnvStore(t *testing.T, exclusions string, conf confstore.Store) *testEnv {
	t.Helper()
	logger := logrus.New()
	ctx := context.Background()

	schema := &setting.Schema{
		Categories: []setting.Category{
			{
				ID: "general", Label: "General",
				Pages: []setting.Page{
					{
						ID: "features", Label: "Features",
						Leaves: []setting.Decl{
							{Scope: "none", Name: "usecomments", Control: setting.ControlCheckbox, Default: "1"},
							{Scope: "none", Name: "enablebadges", Control: setting.ControlCheckbox, Default: "0"},
							{Scope: "none", Name: "cron_secret", Control: setting.ControlPassword, Default: ""},
						},
					},
				},
			},
			{
				ID: "components", Label: "Components",
				Pages: []setting.Page{
					{
						ID: "mod_lesson", Label: "Lesson",
						Leaves: []setting.Decl{
							{Scope: "mod_lesson", Name: "maxanswers", Control: setting.ControlText, Numeric: true, Default: "4", Advanced: true, Component: "mod_lesson"},
						},
					},
					{
						ID: "mod_forum", Label: "Forum",
						Leaves: []setting.Decl{
							{Scope: "mod_forum", Name: "displaymode", Control: setting.ControlSelect, Default: "nested", Component: "mod_forum",
								Choices: []setting.Choice{{Value: "flat", Label: "Flat"}, {Value: "nested", Label: "Nested"}}},
						},
					},
				},
			},
		},
		DisabledComponents: map[string]bool{},
	}
	require.NoError(t, setting.Seed(ctx, conf, schema, logger))

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "presets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator := migrations.NewMigrationManager(db, logger)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Migrate())

	presets := preset.NewSQLiteStore(db, logger)
	builder := setting.NewBuilder(conf, logger)

	engine := NewEngine(Config{
		Presets: presets,
		Registry: func(ctx context.Context) (*setting.Registry, error) {
			return builder.Build(schema), nil
		},
		Conf:        conf,
		Exclusions:  ParseExclusions(exclusions, logger),
		LockTimeout: 200 * time.Millisecond,
		Logger:      logger,
	})

	return &testEnv{engine: engine, conf: conf, presets: presets, schema: schema}
}

func (env *testEnv) storePreset(t *testing.T, id string, items []preset.Item) {
	t.Helper()
	p := &preset.Preset{
		ID:        id,
		Name:      "test preset " + id,
		CreatedAt: time.Now().Unix(),
		Items:     items,
	}
	require.NoError(t, env.presets.CreatePreset(context.Background(), p))
}

func (env *testEnv) liveValue(t *testing.T, scope, name string) string {
	t.Helper()
	value, err := env.conf.Get(context.Background(), scope, name)
	require.NoError(t, err)
	return value
}

func TestApplyChangesOnlyWhatDiffers(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	// usecomments differs (live 1), enablebadges matches (live 0),
	// maxanswers differs (live 4).
	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
		{Scope: "none", Name: "enablebadges", Value: "0"},
		{Scope: "mod_lesson", Name: "maxanswers", Value: "5"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{UserID: "admin"})
	require.NoError(t, err)

	assert.Len(t, report.Applied, 2)
	assert.Len(t, report.Skipped, 1)
	assert.Empty(t, report.NotApplicable)
	assert.Empty(t, report.Failed)

	assert.Equal(t, "0", env.liveValue(t, "none", "usecomments"))
	assert.Equal(t, "5", env.liveValue(t, "mod_lesson", "maxanswers"))

	// The ledger carries only the actual changes, with old values
	app, err := env.presets.GetApplication(ctx, report.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, "admin", app.UserID)
	require.Len(t, app.Items, 2)
	for _, item := range app.Items {
		assert.True(t, item.ValueChanged)
		switch item.Name {
		case "usecomments":
			assert.Equal(t, "1", item.OldValue)
			assert.Equal(t, "0", item.NewValue)
		case "maxanswers":
			assert.Equal(t, "4", item.OldValue)
			assert.Equal(t, "5", item.NewValue)
		default:
			t.Fatalf("unexpected ledger item %s", item.Name)
		}
	}

	// Last-applied timestamp stamped on the preset
	p, err := env.presets.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.NotZero(t, p.LastAppliedAt)
}

func TestApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
	})

	first, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	assert.Len(t, first.Applied, 1)

	// Second run finds everything already in the preset state. It still
	// records an (empty) application in the ledger.
	second, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Len(t, second.Skipped, 1)

	app, err := env.presets.GetApplication(ctx, second.ApplicationID)
	require.NoError(t, err)
	assert.Empty(t, app.Items)
}

func TestApplyNumericEquivalentValuesSkip(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	// "4.0" is numerically equal to the live "4"
	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_lesson", Name: "maxanswers", Value: "4.0"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Len(t, report.Skipped, 1)
	assert.Equal(t, "4", env.liveValue(t, "mod_lesson", "maxanswers"))
}

func TestApplyUnknownSettingIsNotApplicable(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "no_such_setting", Value: "x"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.NotApplicable, 1)
	assert.Equal(t, OutcomeNotApplicable, report.NotApplicable[0].Outcome)
}

func TestApplyDisabledComponentIsNotApplicable(t *testing.T) {
	env := newTestEnv(t, "")
	env.schema.DisabledComponents["mod_lesson"] = true
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_lesson", Name: "maxanswers", Value: "9"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	assert.Len(t, report.NotApplicable, 1)
	assert.Equal(t, "4", env.liveValue(t, "mod_lesson", "maxanswers"))
}

func TestApplyHonorsExclusions(t *testing.T) {
	env := newTestEnv(t, "cron_secret")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "cron_secret", Value: "leaked"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, OutcomeExcluded, report.Skipped[0].Outcome)
	assert.Equal(t, "", env.liveValue(t, "none", "cron_secret"))

	// An explicit override applies the sensitive setting anyway
	report, err = env.engine.Apply(ctx, "p1", ApplyOptions{OverrideExclusions: true})
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)
	assert.Equal(t, "leaked", env.liveValue(t, "none", "cron_secret"))
}

func TestApplyFailureDoesNotAbortRemainingItems(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_forum", Name: "displaymode", Value: "spiral"}, // invalid choice
		{Scope: "none", Name: "usecomments", Value: "0"},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "displaymode", report.Failed[0].Name)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "0", env.liveValue(t, "none", "usecomments"))

	// The failed item never reaches the ledger
	app, err := env.presets.GetApplication(ctx, report.ApplicationID)
	require.NoError(t, err)
	require.Len(t, app.Items, 1)
	assert.Equal(t, "usecomments", app.Items[0].Name)
}

func TestApplyFacetOnlyChange(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	// Value matches live; only the advanced facet differs.
	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_lesson", Name: "maxanswers", Value: "4", Attrs: map[string]string{setting.AttrAdvanced: "1"}},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)

	result := report.Applied[0]
	assert.False(t, result.ValueChanged)
	require.Contains(t, result.Attrs, setting.AttrAdvanced)
	assert.Equal(t, preset.Change{Old: "0", New: "1"}, result.Attrs[setting.AttrAdvanced])

	assert.Equal(t, "1", env.liveValue(t, "mod_lesson", setting.AdvancedName("maxanswers")))

	// The ledger entry is facet-only
	app, err := env.presets.GetApplication(ctx, report.ApplicationID)
	require.NoError(t, err)
	require.Len(t, app.Items, 1)
	assert.False(t, app.Items[0].ValueChanged)
	assert.Contains(t, app.Items[0].Attrs, setting.AttrAdvanced)
}

func TestApplyUnknownPreset(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.engine.Apply(context.Background(), "missing", ApplyOptions{})
	assert.ErrorIs(t, err, preset.ErrPresetNotFound)
}

func TestApplyLockTimeout(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
	})

	release, err := env.engine.locks.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = env.engine.Apply(ctx, "p1", ApplyOptions{})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestApplyHonorsCancellation(t *testing.T) {
	env := newTestEnv(t, "")

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing processed, but the operation still left a ledger entry for
	// the (empty) work performed.
	require.NotNil(t, report)
	assert.Empty(t, report.Applied)
	assert.Equal(t, "1", env.liveValue(t, "none", "usecomments"))

	require.NotEmpty(t, report.ApplicationID)
	app, err := env.presets.GetApplication(context.Background(), report.ApplicationID)
	require.NoError(t, err)
	assert.Empty(t, app.Items)
}

// cancelOnSetStore fires a callback once, after the first Set that happens
// while it is armed.
type cancelOnSetStore struct {
	confstore.Store
	onSet func()
}

func (s *cancelOnSetStore) Set(ctx context.Context, scope, name, value string) (string, error) {
	old, err := s.Store.Set(ctx, scope, name, value)
	if s.onSet != nil {
		s.onSet()
		s.onSet = nil
	}
	return old, err
}

// A cancellation that lands while a write is in flight must not lose that
// write's ledger entry: the change is live, so it has to stay rollbackable.
func TestApplyCancelledMidWriteStillLedgered(t *testing.T) {
	conf := &cancelOnSetStore{Store: confstore.NewMemoryStore()}
	env := newTestEnvStore(t, "", conf)

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
		{Scope: "none", Name: "enablebadges", Value: "1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conf.onSet = cancel

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	// The first write went through before the cancellation, the second
	// item was never started.
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "0", env.liveValue(t, "none", "usecomments"))
	assert.Equal(t, "0", env.liveValue(t, "none", "enablebadges"))

	// The completed write is in the ledger despite the dead request context.
	require.NotEmpty(t, report.ApplicationID)
	app, err := env.presets.GetApplication(context.Background(), report.ApplicationID)
	require.NoError(t, err)
	require.Len(t, app.Items, 1)
	assert.Equal(t, "usecomments", app.Items[0].Name)
	assert.Equal(t, "1", app.Items[0].OldValue)
	assert.Equal(t, "0", app.Items[0].NewValue)
}

func TestApplyUnknownFacetIsReported(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	// Value matches live; the only work is a facet the engine does not
	// recognize. The item must surface in the report, not vanish into a
	// log line.
	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "1", Attrs: map[string]string{"locked": "1"}},
	})

	report, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)

	result := report.Failed[0]
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "unknown facet", result.FailedFacets["locked"])

	// A value change still lands even when a facet on the same item fails;
	// the facet failure rides along on the applied result.
	env.storePreset(t, "p2", []preset.Item{
		{Scope: "none", Name: "enablebadges", Value: "1", Attrs: map[string]string{"locked": "1"}},
	})

	report, err = env.engine.Apply(ctx, "p2", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "1", env.liveValue(t, "none", "enablebadges"))
	assert.Equal(t, "unknown facet", report.Applied[0].FailedFacets["locked"])
}

func TestRollbackRestoresPriorValues(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
		{Scope: "mod_lesson", Name: "maxanswers", Value: "7"},
	})

	applied, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, applied.Applied, 2)

	report, err := env.engine.Rollback(ctx, applied.ApplicationID)
	require.NoError(t, err)
	assert.Len(t, report.Restored, 2)
	assert.Empty(t, report.Diverged)
	assert.Empty(t, report.Failed)

	assert.Equal(t, "1", env.liveValue(t, "none", "usecomments"))
	assert.Equal(t, "4", env.liveValue(t, "mod_lesson", "maxanswers"))
}

func TestRollbackDetectsDivergence(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "none", Name: "usecomments", Value: "0"},
	})

	applied, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)

	// Someone edits the setting after the application
	_, err = env.conf.Set(ctx, "none", "usecomments", "1")
	require.NoError(t, err)

	report, err := env.engine.Rollback(ctx, applied.ApplicationID)
	require.NoError(t, err)
	assert.Empty(t, report.Restored)
	require.Len(t, report.Diverged, 1)
	assert.Equal(t, "usecomments", report.Diverged[0].Name)

	// The diverged setting is left untouched
	assert.Equal(t, "1", env.liveValue(t, "none", "usecomments"))
}

// Value and facet are independent rollback units: a diverged value must not
// block the facet from being restored.
func TestRollbackUnitsAreIndependent(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_lesson", Name: "maxanswers", Value: "7", Attrs: map[string]string{setting.AttrAdvanced: "1"}},
	})

	applied, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)

	// Diverge the value only
	_, err = env.conf.Set(ctx, "mod_lesson", "maxanswers", "9")
	require.NoError(t, err)

	report, err := env.engine.Rollback(ctx, applied.ApplicationID)
	require.NoError(t, err)
	require.Len(t, report.Diverged, 1)
	assert.Equal(t, "", report.Diverged[0].Facet)
	require.Len(t, report.Restored, 1)
	assert.Equal(t, setting.AttrAdvanced, report.Restored[0].Facet)

	assert.Equal(t, "9", env.liveValue(t, "mod_lesson", "maxanswers"))
	assert.Equal(t, "0", env.liveValue(t, "mod_lesson", setting.AdvancedName("maxanswers")))
}

// A setting whose component disappeared after the application can still be
// rolled back through the raw store path.
func TestRollbackRawFallback(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.storePreset(t, "p1", []preset.Item{
		{Scope: "mod_lesson", Name: "maxanswers", Value: "7"},
	})

	applied, err := env.engine.Apply(ctx, "p1", ApplyOptions{})
	require.NoError(t, err)

	env.schema.DisabledComponents["mod_lesson"] = true

	report, err := env.engine.Rollback(ctx, applied.ApplicationID)
	require.NoError(t, err)
	require.Len(t, report.Restored, 1)
	assert.Equal(t, "4", env.liveValue(t, "mod_lesson", "maxanswers"))
}

func TestRollbackUnknownApplication(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.engine.Rollback(context.Background(), "missing")
	assert.ErrorIs(t, err, preset.ErrApplicationNotFound)
}

func TestSnapshotCapturesLiveState(t *testing.T) {
	env := newTestEnv(t, "cron_secret")
	ctx := context.Background()

	_, err := env.conf.Set(ctx, "none", "usecomments", "0")
	require.NoError(t, err)
	_, err = env.conf.Set(ctx, "mod_lesson", setting.AdvancedName("maxanswers"), "1")
	require.NoError(t, err)

	p, err := env.engine.Snapshot(ctx, SnapshotRequest{Name: "baseline", Author: "admin"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	stored, err := env.presets.GetPreset(ctx, p.ID)
	require.NoError(t, err)

	byName := make(map[string]preset.Item)
	for _, item := range stored.Items {
		byName[item.Name] = item
	}

	// The sensitive setting is left out
	assert.NotContains(t, byName, "cron_secret")
	assert.Equal(t, "0", byName["usecomments"].Value)

	// The advanced facet is captured alongside the value
	require.Contains(t, byName, "maxanswers")
	assert.Equal(t, "1", byName["maxanswers"].Attrs[setting.AttrAdvanced])
}

func TestSnapshotSelection(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	p, err := env.engine.Snapshot(ctx, SnapshotRequest{
		Name:      "partial",
		Selection: []Selector{{Scope: "none", Name: "usecomments"}},
	})
	require.NoError(t, err)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "usecomments", p.Items[0].Name)

	_, err = env.engine.Snapshot(ctx, SnapshotRequest{
		Name:      "bad",
		Selection: []Selector{{Scope: "none", Name: "nope"}},
	})
	assert.Error(t, err)
}

func TestSnapshotRequiresName(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.engine.Snapshot(context.Background(), SnapshotRequest{})
	assert.Error(t, err)
}
