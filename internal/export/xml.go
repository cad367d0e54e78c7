// Package export serializes presets to a portable XML document so they can
// be moved between installations, and archives exported documents to
// S3-compatible object storage.
package export

import (
	"encoding/xml"
	"fmt"

	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// FormatVersion is stamped on every exported document
const FormatVersion = "1.0"

type xmlDocument struct {
	XMLName  xml.Name     `xml:"preset"`
	Version  string       `xml:"version,attr"`
	Info     xmlInfo      `xml:"info"`
	Settings []xmlSetting `xml:"settings>setting"`
}

type xmlInfo struct {
	Name     string `xml:"name"`
	Comments string `xml:"comments,omitempty"`
	Author   string `xml:"author,omitempty"`
	Site     string `xml:"site,omitempty"`
	Release  string `xml:"release,omitempty"`
	Created  int64  `xml:"created,omitempty"`
}

type xmlSetting struct {
	Scope    string `xml:"scope,attr"`
	Name     string `xml:"name,attr"`
	Advanced string `xml:"advanced,attr,omitempty"`
	Value    string `xml:",chardata"`
}

// Marshal renders a preset as a standalone XML document. Item identifiers
// and application history are deliberately not part of the format; the
// document carries only what another installation needs to recreate the
// preset.
func Marshal(p *preset.Preset) ([]byte, error) {
	doc := xmlDocument{
		Version: FormatVersion,
		Info: xmlInfo{
			Name:     p.Name,
			Comments: p.Comments,
			Author:   p.Author,
			Site:     p.Site,
			Release:  p.Release,
			Created:  p.CreatedAt,
		},
	}
	for _, item := range p.Items {
		s := xmlSetting{Scope: item.Scope, Name: item.Name, Value: item.Value}
		if adv, ok := item.Attrs[setting.AttrAdvanced]; ok {
			s.Advanced = adv
		}
		doc.Settings = append(doc.Settings, s)
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode preset: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Unmarshal parses an exported document back into a preset. The result
// carries no ID or creation time; the caller assigns those when storing it.
// Documents from a newer format version are rejected.
func Unmarshal(data []byte) (*preset.Preset, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse preset document: %w", err)
	}
	if doc.Version != "" && doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported preset format version %q", doc.Version)
	}
	if doc.Info.Name == "" {
		return nil, fmt.Errorf("preset document has no name")
	}

	p := &preset.Preset{
		Name:     doc.Info.Name,
		Comments: doc.Info.Comments,
		Author:   doc.Info.Author,
		Site:     doc.Info.Site,
		Release:  doc.Info.Release,
	}
	for _, s := range doc.Settings {
		if s.Name == "" {
			return nil, fmt.Errorf("preset document contains a setting without a name")
		}
		scope := s.Scope
		if scope == "" {
			scope = "none"
		}
		item := preset.Item{Scope: scope, Name: s.Name, Value: s.Value}
		if s.Advanced != "" {
			item.Attrs = map[string]string{setting.AttrAdvanced: s.Advanced}
		}
		p.Items = append(p.Items, item)
	}
	return p, nil
}
