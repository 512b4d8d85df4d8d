// Package attribution keeps a chart's attribution labels in step with its data
// provenance and its studies.
//
// Every time the host chart rebuilds its dataset it hands over a ChartSnapshot.
// Reconcile turns the snapshot into render commands; a Synchronizer applies them
// through an overlay.Inserter and overlay.Renderer and remembers what it drew so
// repeated passes over an unchanged chart write nothing.
package attribution

import "github.com/dgnsrekt/tv_attrib/internal/overlay"

// MainPanel is the panel holding the chart's own quote attribution.
const MainPanel = "chart"

// Provenance describes where the chart's price data came from.
type Provenance struct {
	Source   string `json:"source,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}

// StudyDescriptor is one active study as the chart lists it.
type StudyDescriptor struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Panel string `json:"panel"`
}

// MarkerRecord is an entry of the host's attribution marker registry.
type MarkerRecord struct {
	PanelName string `json:"panel_name"`
	Label     string `json:"label,omitempty"`
}

// ChartSnapshot is the chart state read at dataset-creation time. Studies are in
// the chart's own iteration order. A nil Provenance means the chart reported none.
type ChartSnapshot struct {
	Provenance *Provenance       `json:"provenance,omitempty"`
	Studies    []StudyDescriptor `json:"studies"`
	Panels     []string          `json:"panels"`
	Markers    []MarkerRecord    `json:"markers"`
}

// HasPanel reports whether the chart has a rendered panel called name.
func (s ChartSnapshot) HasPanel(name string) bool {
	for _, p := range s.Panels {
		if p == name {
			return true
		}
	}
	return false
}

// labelledPanels indexes the panels that already carry an attribution marker.
// Records without a label come from hosts that only report attribution markers.
func (s ChartSnapshot) labelledPanels() map[string]bool {
	out := make(map[string]bool, len(s.Markers))
	for _, m := range s.Markers {
		if m.Label == "" || m.Label == overlay.MarkerLabel {
			out[m.PanelName] = true
		}
	}
	return out
}

// Catalog resolves identifiers to attribution markup. Missing and empty
// entries both report false.
type Catalog interface {
	LookupSource(id string) (string, bool)
	LookupExchange(id string) (string, bool)
}

// resolve returns the source and exchange fragments, "" when either is missing.
func resolve(cat Catalog, sourceID, exchangeID string) (string, string) {
	source, _ := cat.LookupSource(sourceID)
	exchange, _ := cat.LookupExchange(exchangeID)
	return source, exchange
}
