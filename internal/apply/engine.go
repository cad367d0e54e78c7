package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/confstore"
	"github.com/presetd/presetd/internal/metrics"
	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// lockKey serializes apply and rollback against the one live configuration
// set of the installation.
const lockKey = "site-config"

// DefaultLockTimeout bounds how long an operation waits for a concurrent
// apply or rollback to finish before refusing to start.
const DefaultLockTimeout = 5 * time.Second

// RegistryProvider builds a fresh point-in-time registry snapshot. The
// engine calls it once per operation and never refreshes mid-operation.
type RegistryProvider func(ctx context.Context) (*setting.Registry, error)

// Config wires an Engine
type Config struct {
	Presets     preset.Store
	Registry    RegistryProvider
	Conf        confstore.Store // raw fallback for settings that no longer resolve
	Exclusions  ExclusionSet
	LockTimeout time.Duration
	Metrics     *metrics.Collectors // optional
	Logger      *logrus.Logger
}

// Engine computes and executes the minimal set of configuration changes
// needed to bring the live system to a preset's state, and reverses prior
// applications from the recorded ledger.
type Engine struct {
	presets     preset.Store
	registry    RegistryProvider
	conf        confstore.Store
	exclusions  ExclusionSet
	lockTimeout time.Duration
	metrics     *metrics.Collectors
	logger      *logrus.Logger
	locks       *keyedLock
	now         func() time.Time
}

// NewEngine creates a diff & apply engine
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return &Engine{
		presets:     cfg.Presets,
		registry:    cfg.Registry,
		conf:        cfg.Conf,
		exclusions:  cfg.Exclusions,
		lockTimeout: cfg.LockTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		locks:       newKeyedLock(),
		now:         time.Now,
	}
}

// Apply loads a preset, diffs it against a registry snapshot, performs the
// necessary writes and records the resulting application in the ledger.
//
// Per-item conditions (not applicable, excluded, unchanged, write failure)
// are collected into the report and never abort the operation. Hard
// failures are only the operation-level preconditions: unknown preset and
// lock timeout. On context cancellation the loop stops between items, the
// ledger is still written for the work already done, and ctx's error is
// returned alongside the partial report.
func (e *Engine) Apply(ctx context.Context, presetID string, opts ApplyOptions) (*Report, error) {
	// Cancellation is honored only between items; everything else runs
	// detached so a write that already happened always reaches the ledger.
	opCtx := context.WithoutCancel(ctx)

	p, err := e.presets.GetPreset(opCtx, presetID)
	if err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(opCtx, lockKey, e.lockTimeout)
	if err != nil {
		e.observeApply(metrics.OutcomeRefused)
		return nil, err
	}
	defer release()

	start := e.now()
	reg, err := e.registry(opCtx)
	if err != nil {
		e.observeApply(metrics.OutcomeRefused)
		return nil, err
	}

	report := &Report{PresetID: p.ID}
	var cancelErr error

	for i := range p.Items {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		result := e.applyItem(opCtx, reg, &p.Items[i], opts)
		switch result.Outcome {
		case OutcomeApplied:
			report.Applied = append(report.Applied, result)
		case OutcomeSkippedUnchanged, OutcomeExcluded:
			report.Skipped = append(report.Skipped, result)
		case OutcomeNotApplicable:
			report.NotApplicable = append(report.NotApplicable, result)
		case OutcomeFailed:
			report.Failed = append(report.Failed, result)
		}
	}

	app := &preset.Application{
		ID:        uuid.New().String(),
		PresetID:  p.ID,
		UserID:    opts.UserID,
		AppliedAt: e.now().Unix(),
	}
	for _, r := range report.Applied {
		app.Items = append(app.Items, preset.AppliedItem{
			Scope:        r.Scope,
			Name:         r.Name,
			OldValue:     r.OldValue,
			NewValue:     r.NewValue,
			ValueChanged: r.ValueChanged,
			Attrs:        r.Attrs,
		})
	}
	if err := e.presets.CreateApplication(opCtx, app); err != nil {
		e.observeApply(metrics.OutcomeRefused)
		return report, err
	}
	report.ApplicationID = app.ID

	if err := e.presets.TouchApplied(opCtx, p.ID, app.AppliedAt); err != nil {
		e.logger.WithError(err).WithField("preset_id", p.ID).Warn("Failed to update last-applied timestamp")
	}

	if e.metrics != nil {
		e.metrics.ApplyDuration.Observe(e.now().Sub(start).Seconds())
	}
	e.observeApply(metrics.OutcomeCompleted)

	e.logger.WithFields(logrus.Fields{
		"preset_id":      p.ID,
		"application_id": app.ID,
		"applied":        len(report.Applied),
		"skipped":        len(report.Skipped),
		"not_applicable": len(report.NotApplicable),
		"failed":         len(report.Failed),
	}).Info("Preset applied")

	return report, cancelErr
}

// applyItem decides and executes the change for one preset item. The value
// and each secondary facet are decided independently; an item whose value is
// already right can still produce a ledger entry for a changed facet.
func (e *Engine) applyItem(ctx context.Context, reg *setting.Registry, item *preset.Item, opts ApplyOptions) ItemResult {
	result := ItemResult{Scope: item.Scope, Name: item.Name}

	if !opts.OverrideExclusions && e.exclusions.Contains(item.Scope, item.Name) {
		result.Outcome = OutcomeExcluded
		result.Reason = "excluded by sensitive-settings policy"
		return result
	}

	desc, ok := reg.Lookup(item.Scope, item.Name)
	if !ok {
		result.Outcome = OutcomeNotApplicable
		result.Reason = "setting does not exist on this system"
		return result
	}

	live, err := desc.Read(ctx)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		return result
	}

	if desc.Compare(item.Value, live) {
		result.Outcome = OutcomeSkippedUnchanged
	} else {
		old, err := desc.Write(ctx, item.Value)
		if err != nil {
			if e.metrics != nil {
				e.metrics.SettingsFailed.Inc()
			}
			result.Outcome = OutcomeFailed
			result.Reason = err.Error()
			e.logger.WithError(err).WithFields(logrus.Fields{
				"scope": item.Scope,
				"name":  item.Name,
			}).Warn("Setting write rejected")
			return result
		}
		if e.metrics != nil {
			e.metrics.SettingsChanged.Inc()
		}
		result.Outcome = OutcomeApplied
		result.OldValue = old
		result.NewValue = item.Value
		result.ValueChanged = true
	}

	e.applyFacets(ctx, desc, item, &result)

	return result
}

// applyFacets diffs and writes the item's secondary facets. A facet change
// upgrades a skipped-unchanged item to applied so it reaches the ledger; a
// facet failure is recorded on the result so no condition goes unreported.
func (e *Engine) applyFacets(ctx context.Context, desc setting.Descriptor, item *preset.Item, result *ItemResult) {
	for facet, raw := range item.Attrs {
		if facet != setting.AttrAdvanced {
			failFacet(result, facet, "unknown facet")
			e.logger.WithFields(logrus.Fields{
				"scope": item.Scope,
				"name":  item.Name,
				"facet": facet,
			}).Warn("Unknown preset item facet")
			continue
		}
		if !desc.AdvancedCapable() {
			continue
		}

		want := raw == "1"
		liveAdv, err := desc.ReadAdvanced(ctx)
		if err != nil {
			failFacet(result, facet, err.Error())
			e.logger.WithError(err).WithFields(logrus.Fields{
				"scope": item.Scope,
				"name":  item.Name,
			}).Warn("Failed to read advanced facet")
			continue
		}
		if liveAdv == want {
			continue
		}

		if _, err := desc.WriteAdvanced(ctx, want); err != nil {
			if e.metrics != nil {
				e.metrics.SettingsFailed.Inc()
			}
			failFacet(result, facet, err.Error())
			e.logger.WithError(err).WithFields(logrus.Fields{
				"scope": item.Scope,
				"name":  item.Name,
			}).Warn("Failed to write advanced facet")
			continue
		}
		if e.metrics != nil {
			e.metrics.SettingsChanged.Inc()
		}

		if result.Attrs == nil {
			result.Attrs = make(map[string]preset.Change)
		}
		result.Attrs[facet] = preset.Change{Old: boolValue(liveAdv), New: boolValue(want)}
		if result.Outcome == OutcomeSkippedUnchanged {
			result.Outcome = OutcomeApplied
		}
	}
}

// failFacet records a facet that could not be applied. An item that did no
// other work moves to the failed bucket so the condition is visible in the
// report, not only in the log.
func failFacet(result *ItemResult, facet, reason string) {
	if result.FailedFacets == nil {
		result.FailedFacets = make(map[string]string)
	}
	result.FailedFacets[facet] = reason
	if result.Outcome == OutcomeSkippedUnchanged {
		result.Outcome = OutcomeFailed
		result.Reason = fmt.Sprintf("facet %q: %s", facet, reason)
	}
}

func (e *Engine) observeApply(outcome string) {
	if e.metrics != nil {
		e.metrics.AppliesTotal.WithLabelValues(outcome).Inc()
	}
}

func boolValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
