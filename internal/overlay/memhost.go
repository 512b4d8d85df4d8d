package overlay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryHost is an in-process Host that keeps nodes and markers in maps. It
// records every write so callers can assert idempotence.
type MemoryHost struct {
	mu           sync.Mutex
	seq          int
	nodes        map[NodeID]*memNode
	markers      []memMarker
	writes       int
	translations int

	// Fail, when set, is consulted before every operation; a non-nil error
	// aborts it. op is one of instantiate, register, set_html, translate, remove
	// or discard.
	Fail func(op string) error
}

type memNode struct {
	markup  string
	regions map[string]string
}

type memMarker struct {
	id MarkerID
	m  Marker
}

// NewMemoryHost returns an empty host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{nodes: make(map[NodeID]*memNode)}
}

func (h *MemoryHost) check(op string) error {
	if h.Fail == nil {
		return nil
	}
	return h.Fail(op)
}

func (h *MemoryHost) Instantiate(_ context.Context, tpl Template) (NodeID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("instantiate"); err != nil {
		return "", err
	}
	h.seq++
	id := NodeID("node_" + strconv.Itoa(h.seq))
	h.nodes[id] = &memNode{markup: tpl.Markup, regions: make(map[string]string)}
	return id, nil
}

func (h *MemoryHost) RegisterMarker(_ context.Context, m Marker) (MarkerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("register"); err != nil {
		return "", err
	}
	if _, ok := h.nodes[m.Node]; !ok {
		return "", fmt.Errorf("unknown node %q", m.Node)
	}
	h.seq++
	id := MarkerID("marker_" + strconv.Itoa(h.seq))
	h.markers = append(h.markers, memMarker{id: id, m: m})
	return id, nil
}

func (h *MemoryHost) SetHTML(_ context.Context, node NodeID, region, html string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("set_html"); err != nil {
		return err
	}
	n, ok := h.nodes[node]
	if !ok {
		return fmt.Errorf("unknown node %q", node)
	}
	n.regions[region] = html
	h.writes++
	return nil
}

func (h *MemoryHost) TranslateUI(_ context.Context, node NodeID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("translate"); err != nil {
		return err
	}
	if _, ok := h.nodes[node]; !ok {
		return fmt.Errorf("unknown node %q", node)
	}
	h.translations++
	return nil
}

func (h *MemoryHost) RemoveMarker(_ context.Context, id MarkerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("remove"); err != nil {
		return err
	}
	for i, mk := range h.markers {
		if mk.id == id {
			delete(h.nodes, mk.m.Node)
			h.markers = append(h.markers[:i], h.markers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown marker %q", id)
}

func (h *MemoryHost) DiscardNode(_ context.Context, node NodeID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check("discard"); err != nil {
		return err
	}
	delete(h.nodes, node)
	return nil
}

// Nodes counts instantiated nodes, with or without a marker.
func (h *MemoryHost) Nodes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

// DropPanel removes every marker on panel, as a host does when it tears a panel down.
func (h *MemoryHost) DropPanel(panel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.markers[:0]
	for _, mk := range h.markers {
		if mk.m.PanelName == panel {
			delete(h.nodes, mk.m.Node)
			continue
		}
		kept = append(kept, mk)
	}
	h.markers = kept
}

// Markers returns the registry in insertion order.
func (h *MemoryHost) Markers() []Marker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Marker, 0, len(h.markers))
	for _, mk := range h.markers {
		out = append(out, mk.m)
	}
	return out
}

// MarkersOn counts markers registered on panel.
func (h *MemoryHost) MarkersOn(panel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, mk := range h.markers {
		if mk.m.PanelName == panel {
			n++
		}
	}
	return n
}

// Region returns the markup of a region of the first node on panel.
func (h *MemoryHost) Region(panel, region string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, mk := range h.markers {
		if mk.m.PanelName != panel {
			continue
		}
		n := h.nodes[mk.m.Node]
		if n == nil {
			return "", false
		}
		v, ok := n.regions[region]
		return v, ok
	}
	return "", false
}

// Writes counts SetHTML calls.
func (h *MemoryHost) Writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

// Translations counts TranslateUI calls.
func (h *MemoryHost) Translations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.translations
}
