// Package overlay inserts attribution nodes into a host chart and writes their
// text. The host chart owns template instantiation, the marker registry and UI
// localization; this package only sequences those primitives.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// MarkerLabel tags every marker created for an attribution node.
	MarkerLabel = "attribution"
	// PositionNone pins a marker to its panel without a time or price coordinate.
	PositionNone = "none"

	SourceRegion   = "cq-attrib-source"
	ExchangeRegion = "cq-attrib-quote-type"
)

// NodeID identifies a node instantiated by the host.
type NodeID string

// MarkerID identifies a registered marker.
type MarkerID string

// Template is the fragment cloned for every attribution node.
type Template struct {
	Markup         string
	SourceRegion   string
	ExchangeRegion string
}

// DefaultTemplate mirrors the stock <cq-attribution> template.
func DefaultTemplate() Template {
	return Template{
		Markup:         "<cq-attrib-container><cq-attrib-source></cq-attrib-source><cq-attrib-quote-type></cq-attrib-quote-type></cq-attrib-container>",
		SourceRegion:   SourceRegion,
		ExchangeRegion: ExchangeRegion,
	}
}

// Validate reports whether the template can be used for insertion.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Markup) == "" {
		return fmt.Errorf("overlay template: empty markup")
	}
	if t.SourceRegion == "" || t.ExchangeRegion == "" {
		return fmt.Errorf("overlay template: source and exchange regions are required")
	}
	if t.SourceRegion == t.ExchangeRegion {
		return fmt.Errorf("overlay template: source and exchange regions must differ")
	}
	return nil
}

// Marker is the registration request passed to the host.
type Marker struct {
	Node        NodeID `json:"node"`
	PanelName   string `json:"panel_name"`
	XPositioner string `json:"x_positioner"`
	YPositioner string `json:"y_positioner"`
	Label       string `json:"label"`
}

// Host is the chart-side surface used by the inserter and renderer.
type Host interface {
	// Instantiate creates a detached node from the template.
	Instantiate(ctx context.Context, tpl Template) (NodeID, error)
	// RegisterMarker appends a marker to the host's registry.
	RegisterMarker(ctx context.Context, m Marker) (MarkerID, error)
	// SetHTML replaces the markup of a named region inside node.
	SetHTML(ctx context.Context, node NodeID, region, html string) error
	// TranslateUI runs the host's localization pass over node's subtree.
	TranslateUI(ctx context.Context, node NodeID) error
	// RemoveMarker removes a marker and its node from the chart.
	RemoveMarker(ctx context.Context, id MarkerID) error
	// DiscardNode forgets a node that never got a marker.
	DiscardNode(ctx context.Context, node NodeID) error
}

// Label is a rendered attribution overlay bound to one panel.
type Label struct {
	Panel    string   `json:"panel"`
	Node     NodeID   `json:"node"`
	Marker   MarkerID `json:"marker"`
	Source   string   `json:"source"`
	Exchange string   `json:"exchange"`

	sourceRegion   string
	exchangeRegion string
}

// Text is the composite source+exchange string last written to the label.
func (l *Label) Text() string {
	return l.Source + l.Exchange
}

// Inserter creates attribution labels from a stored template.
type Inserter struct {
	host Host
	tpl  Template
}

// NewInserter validates tpl and returns an Inserter bound to host.
func NewInserter(host Host, tpl Template) (*Inserter, error) {
	if host == nil {
		return nil, fmt.Errorf("overlay inserter: nil host")
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &Inserter{host: host, tpl: tpl}, nil
}

// Insert instantiates a node and registers exactly one unpositioned marker for
// panel. Callers must not insert twice for a panel that still has a marker.
// When registration fails the node is discarded again.
func (i *Inserter) Insert(ctx context.Context, panel string) (*Label, error) {
	if panel == "" {
		return nil, fmt.Errorf("overlay insert: empty panel name")
	}
	node, err := i.host.Instantiate(ctx, i.tpl)
	if err != nil {
		return nil, fmt.Errorf("overlay insert %s: instantiate: %w", panel, err)
	}
	id, err := i.host.RegisterMarker(ctx, Marker{
		Node:        node,
		PanelName:   panel,
		XPositioner: PositionNone,
		YPositioner: PositionNone,
		Label:       MarkerLabel,
	})
	if err != nil {
		if derr := i.host.DiscardNode(ctx, node); derr != nil {
			slog.Debug("overlay insert discard failed", "panel", panel, "node", node, "error", derr)
		}
		return nil, fmt.Errorf("overlay insert %s: register marker: %w", panel, err)
	}
	return &Label{
		Panel:          panel,
		Node:           node,
		Marker:         id,
		sourceRegion:   i.tpl.SourceRegion,
		exchangeRegion: i.tpl.ExchangeRegion,
	}, nil
}

// Remove drops the label's marker from the host.
func (i *Inserter) Remove(ctx context.Context, l *Label) error {
	if err := i.host.RemoveMarker(ctx, l.Marker); err != nil {
		return fmt.Errorf("overlay remove %s: %w", l.Panel, err)
	}
	return nil
}

// Renderer writes attribution text into labels.
type Renderer struct {
	host Host
}

// NewRenderer returns a Renderer bound to host.
func NewRenderer(host Host) *Renderer {
	return &Renderer{host: host}
}

// Render writes source then exchange and localizes the node afterwards. The
// label's cached text only changes once every step succeeded.
func (r *Renderer) Render(ctx context.Context, l *Label, source, exchange string) error {
	if err := r.host.SetHTML(ctx, l.Node, l.sourceRegion, source); err != nil {
		return fmt.Errorf("render %s source: %w", l.Panel, err)
	}
	if err := r.host.SetHTML(ctx, l.Node, l.exchangeRegion, exchange); err != nil {
		return fmt.Errorf("render %s exchange: %w", l.Panel, err)
	}
	if err := r.host.TranslateUI(ctx, l.Node); err != nil {
		return fmt.Errorf("render %s translate: %w", l.Panel, err)
	}
	l.Source = source
	l.Exchange = exchange
	return nil
}
