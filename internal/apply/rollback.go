package apply

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/confstore"
	"github.com/presetd/presetd/internal/metrics"
	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// Rollback reverses a prior application from its ledger entry. Each recorded
// change is an independent rollback unit: the value and every facet are
// checked and restored separately. A unit is restored only when the live
// state still equals the value the application wrote; anything edited since
// is reported as diverged and left alone.
//
// Settings that no longer resolve through the registry are handled against
// the raw configuration store with plain string comparison, so an
// application can still be reversed after its plugin schema is gone.
func (e *Engine) Rollback(ctx context.Context, applicationID string) (*RollbackReport, error) {
	// Same contract as Apply: cancellation between units only, restores
	// that already happened run to completion on a detached context.
	opCtx := context.WithoutCancel(ctx)

	app, err := e.presets.GetApplication(opCtx, applicationID)
	if err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(opCtx, lockKey, e.lockTimeout)
	if err != nil {
		e.observeRollback(metrics.OutcomeRefused)
		return nil, err
	}
	defer release()

	reg, err := e.registry(opCtx)
	if err != nil {
		e.observeRollback(metrics.OutcomeRefused)
		return nil, err
	}

	report := &RollbackReport{ApplicationID: app.ID}
	var cancelErr error

	for i := range app.Items {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		e.rollbackItem(opCtx, reg, &app.Items[i], report)
	}

	e.observeRollback(metrics.OutcomeCompleted)

	e.logger.WithFields(logrus.Fields{
		"application_id": app.ID,
		"preset_id":      app.PresetID,
		"restored":       len(report.Restored),
		"diverged":       len(report.Diverged),
		"failed":         len(report.Failed),
	}).Info("Application rolled back")

	return report, cancelErr
}

func (e *Engine) rollbackItem(ctx context.Context, reg *setting.Registry, item *preset.AppliedItem, report *RollbackReport) {
	desc, _ := reg.Lookup(item.Scope, item.Name)

	if item.ValueChanged {
		unit := RollbackItem{
			Scope:    item.Scope,
			Name:     item.Name,
			OldValue: item.OldValue,
			NewValue: item.NewValue,
		}
		e.rollbackValue(ctx, desc, &unit, report)
	}

	for facet, change := range item.Attrs {
		unit := RollbackItem{
			Scope:    item.Scope,
			Name:     item.Name,
			Facet:    facet,
			OldValue: change.Old,
			NewValue: change.New,
		}
		e.rollbackFacet(ctx, desc, &unit, report)
	}
}

// rollbackValue restores one setting value. desc may be nil when the setting
// no longer resolves; the raw store path is used in that case.
func (e *Engine) rollbackValue(ctx context.Context, desc setting.Descriptor, unit *RollbackItem, report *RollbackReport) {
	if desc != nil {
		live, err := desc.Read(ctx)
		if err != nil {
			unit.Reason = err.Error()
			report.Failed = append(report.Failed, *unit)
			return
		}
		unit.LiveValue = live
		if !desc.Compare(live, unit.NewValue) {
			unit.Reason = "live value no longer matches the applied value"
			report.Diverged = append(report.Diverged, *unit)
			return
		}
		if _, err := desc.Write(ctx, unit.OldValue); err != nil {
			unit.Reason = err.Error()
			report.Failed = append(report.Failed, *unit)
			return
		}
		report.Restored = append(report.Restored, *unit)
		return
	}

	e.rollbackRaw(ctx, unit.Name, unit, report)
}

// rollbackFacet restores one advanced facet, independently of what happened
// to the setting's value.
func (e *Engine) rollbackFacet(ctx context.Context, desc setting.Descriptor, unit *RollbackItem, report *RollbackReport) {
	if unit.Facet != setting.AttrAdvanced {
		unit.Reason = "unknown facet in ledger"
		report.Failed = append(report.Failed, *unit)
		return
	}

	if desc != nil && desc.AdvancedCapable() {
		live, err := desc.ReadAdvanced(ctx)
		if err != nil {
			unit.Reason = err.Error()
			report.Failed = append(report.Failed, *unit)
			return
		}
		unit.LiveValue = boolValue(live)
		if unit.LiveValue != unit.NewValue {
			unit.Reason = "live facet no longer matches the applied value"
			report.Diverged = append(report.Diverged, *unit)
			return
		}
		if _, err := desc.WriteAdvanced(ctx, unit.OldValue == "1"); err != nil {
			unit.Reason = err.Error()
			report.Failed = append(report.Failed, *unit)
			return
		}
		report.Restored = append(report.Restored, *unit)
		return
	}

	e.rollbackRaw(ctx, setting.AdvancedName(unit.Name), unit, report)
}

// rollbackRaw is the fallback path against the configuration store for units
// whose descriptor is gone. Comparison is plain string equality; an entry
// absent from the store counts as the empty string.
func (e *Engine) rollbackRaw(ctx context.Context, storeName string, unit *RollbackItem, report *RollbackReport) {
	live, err := e.conf.Get(ctx, unit.Scope, storeName)
	if err != nil && !errors.Is(err, confstore.ErrNotFound) {
		unit.Reason = err.Error()
		report.Failed = append(report.Failed, *unit)
		return
	}
	unit.LiveValue = live
	if live != unit.NewValue {
		unit.Reason = "live value no longer matches the applied value"
		report.Diverged = append(report.Diverged, *unit)
		return
	}
	if _, err := e.conf.Set(ctx, unit.Scope, storeName, unit.OldValue); err != nil {
		unit.Reason = err.Error()
		report.Failed = append(report.Failed, *unit)
		return
	}
	report.Restored = append(report.Restored, *unit)
}

func (e *Engine) observeRollback(outcome string) {
	if e.metrics != nil {
		e.metrics.RollbacksTotal.WithLabelValues(outcome).Inc()
	}
}
