package apply

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// Selector identifies one setting within a snapshot request
type Selector struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// SnapshotRequest describes a preset to capture from the live system. A nil
// Selection captures every setting the registry currently resolves.
type SnapshotRequest struct {
	Name               string     `json:"name"`
	Comments           string     `json:"comments"`
	Author             string     `json:"author"`
	Site               string     `json:"site"`
	Release            string     `json:"release"`
	Selection          []Selector `json:"selection,omitempty"`
	OverrideExclusions bool       `json:"override_exclusions,omitempty"`
}

// Snapshot reads the live value of each selected setting and stores the
// result as a new preset. Sensitive settings on the exclusion list are
// silently left out unless the request overrides them. Each advanced-capable
// setting's facet is captured alongside its value.
func (e *Engine) Snapshot(ctx context.Context, req SnapshotRequest) (*preset.Preset, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("preset name is required")
	}

	reg, err := e.registry(ctx)
	if err != nil {
		return nil, err
	}

	var descriptors []setting.Descriptor
	if req.Selection == nil {
		descriptors = reg.All()
	} else {
		for _, sel := range req.Selection {
			desc, ok := reg.Lookup(sel.Scope, sel.Name)
			if !ok {
				return nil, fmt.Errorf("unknown setting %s@%s", sel.Name, sel.Scope)
			}
			descriptors = append(descriptors, desc)
		}
	}

	p := &preset.Preset{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Comments:  req.Comments,
		Author:    req.Author,
		Site:      req.Site,
		Release:   req.Release,
		CreatedAt: e.now().Unix(),
	}

	excluded := 0
	for _, desc := range descriptors {
		if !req.OverrideExclusions && e.exclusions.Contains(desc.Scope(), desc.Name()) {
			excluded++
			continue
		}

		value, err := desc.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s@%s: %w", desc.Name(), desc.Scope(), err)
		}
		item := preset.Item{Scope: desc.Scope(), Name: desc.Name(), Value: value}

		if desc.AdvancedCapable() {
			adv, err := desc.ReadAdvanced(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read advanced facet of %s@%s: %w", desc.Name(), desc.Scope(), err)
			}
			item.Attrs = map[string]string{setting.AttrAdvanced: boolValue(adv)}
		}

		p.Items = append(p.Items, item)
	}

	if err := e.presets.CreatePreset(ctx, p); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"preset_id": p.ID,
		"name":      p.Name,
		"items":     len(p.Items),
		"excluded":  excluded,
	}).Info("Preset captured")

	return p, nil
}
