package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/tv_attrib/internal/overlay"
)

// ErrClosed is returned by passes that arrive after RemoveAll.
var ErrClosed = errors.New("attribution: synchronizer closed")

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTeardown removes study labels whose panel left the chart. Off by default:
// the chart's own panel teardown is then the only thing that removes labels.
func WithTeardown(on bool) Option {
	return func(s *Synchronizer) { s.teardown = on }
}

// WithChartID tags log lines with the chart id.
func WithChartID(id string) Option {
	return func(s *Synchronizer) { s.chartID = id }
}

type trackedLabel struct {
	label *overlay.Label
	// seen is set once the label's marker showed up in a snapshot.
	seen bool
}

// Synchronizer owns the attribution labels of one chart.
type Synchronizer struct {
	catalog  Catalog
	inserter *overlay.Inserter
	renderer *overlay.Renderer
	teardown bool
	chartID  string

	mu         sync.Mutex
	main       *overlay.Label
	lastAttrib string
	labels     map[string]*trackedLabel
	passes     int
	closed     bool
}

// Status is a point-in-time view of a Synchronizer.
type Status struct {
	LastAttrib string          `json:"last_attrib"`
	Passes     int             `json:"passes"`
	Main       overlay.Label   `json:"main"`
	Labels     []overlay.Label `json:"labels"`
}

// New inserts the main chart label and returns a Synchronizer for it.
func New(ctx context.Context, cat Catalog, ins *overlay.Inserter, r *overlay.Renderer, opts ...Option) (*Synchronizer, error) {
	if cat == nil || ins == nil || r == nil {
		return nil, errors.New("attribution: catalog, inserter and renderer are required")
	}
	s := &Synchronizer{
		catalog:  cat,
		inserter: ins,
		renderer: r,
		labels:   make(map[string]*trackedLabel),
	}
	for _, opt := range opts {
		opt(s)
	}

	main, err := ins.Insert(ctx, MainPanel)
	if err != nil {
		return nil, fmt.Errorf("attribution: insert main label: %w", err)
	}
	s.main = main
	slog.Debug("attribution main label inserted", "chart_id", s.chartID, "marker", main.Marker)
	return s, nil
}

// OnDataSetCreated reconciles the chart against snap and applies the result.
// It is safe to call as often as the chart rebuilds its dataset; an unchanged
// chart produces an empty plan. The returned error only carries host failures;
// state is left so that the next pass retries whatever failed.
func (s *Synchronizer) OnDataSetCreated(ctx context.Context, snap ChartSnapshot) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Plan{Commands: []RenderCommand{}}, ErrClosed
	}
	s.passes++
	s.observe(snap)

	known := make(map[string]bool, len(s.labels))
	for panel := range s.labels {
		known[panel] = true
	}
	plan := reconcile(s.catalog, s.lastAttrib, snap, known)

	var errs []error
	applied := plan.Commands[:0:0]
	for _, cmd := range plan.Commands {
		var err error
		switch cmd.Kind {
		case CommandUpdate:
			err = s.applyUpdate(ctx, cmd)
		case CommandCreate:
			err = s.applyCreate(ctx, cmd)
		}
		if err != nil {
			slog.Warn("attribution command failed", "chart_id", s.chartID, "kind", cmd.Kind, "panel", cmd.Panel, "error", err)
			errs = append(errs, err)
			continue
		}
		slog.Debug("attribution command applied", "chart_id", s.chartID, "kind", cmd.Kind, "panel", cmd.Panel, "study_type", cmd.StudyType)
		applied = append(applied, cmd)
	}

	if s.teardown {
		removed, err := s.removeStale(ctx, snap)
		applied = append(applied, removed...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	plan.Commands = applied
	return plan, errors.Join(errs...)
}

func (s *Synchronizer) applyUpdate(ctx context.Context, cmd RenderCommand) error {
	if err := s.renderer.Render(ctx, s.main, cmd.Source, cmd.Exchange); err != nil {
		return err
	}
	s.lastAttrib = cmd.Composite()
	return nil
}

func (s *Synchronizer) applyCreate(ctx context.Context, cmd RenderCommand) error {
	label, err := s.inserter.Insert(ctx, cmd.Panel)
	if err != nil {
		return err
	}
	if err := s.renderer.Render(ctx, label, cmd.Source, cmd.Exchange); err != nil {
		// A blank label would block the panel for good; drop it so the next pass retries.
		if rmErr := s.inserter.Remove(ctx, label); rmErr != nil {
			slog.Debug("attribution blank label cleanup failed", "chart_id", s.chartID, "panel", cmd.Panel, "error", rmErr)
		}
		return err
	}
	s.labels[cmd.Panel] = &trackedLabel{label: label}
	return nil
}

// Plan returns the commands OnDataSetCreated would apply for snap, without
// touching the chart or the label index.
func (s *Synchronizer) Plan(snap ChartSnapshot) Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := snap.labelledPanels()
	known := make(map[string]bool, len(s.labels))
	for panel, tl := range s.labels {
		if keep, _ := s.survives(panel, tl, present, snap); keep {
			known[panel] = true
		}
	}
	plan := reconcile(s.catalog, s.lastAttrib, snap, known)

	if s.teardown {
		for _, panel := range s.sortedPanels() {
			if !known[panel] || snap.HasPanel(panel) {
				continue
			}
			l := s.labels[panel].label
			plan.Commands = append(plan.Commands, RenderCommand{Kind: CommandRemove, Panel: panel, Source: l.Source, Exchange: l.Exchange})
		}
	}
	return plan
}

// observe lines the label index up with the chart's marker registry. Labels
// the chart removed are forgotten so their panel can be labelled again.
func (s *Synchronizer) observe(snap ChartSnapshot) {
	present := snap.labelledPanels()
	for panel, tl := range s.labels {
		keep, seen := s.survives(panel, tl, present, snap)
		if !keep {
			if tl.seen {
				slog.Debug("attribution label dropped by chart", "chart_id", s.chartID, "panel", panel)
			}
			delete(s.labels, panel)
			continue
		}
		tl.seen = seen
	}
}

// survives reports whether the label tracked for panel outlives snap and
// whether snap confirms its marker.
func (s *Synchronizer) survives(panel string, tl *trackedLabel, present map[string]bool, snap ChartSnapshot) (keep, seen bool) {
	switch {
	case present[panel]:
		return true, true
	case tl.seen:
		return false, true
	case !s.teardown && !snap.HasPanel(panel):
		// Never confirmed and the panel is gone; with teardown on,
		// removeStale takes it off the chart instead.
		return false, false
	}
	return true, false
}

func (s *Synchronizer) removeStale(ctx context.Context, snap ChartSnapshot) ([]RenderCommand, error) {
	var removed []RenderCommand
	var errs []error
	for _, panel := range s.sortedPanels() {
		if snap.HasPanel(panel) {
			continue
		}
		tl := s.labels[panel]
		if err := s.inserter.Remove(ctx, tl.label); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.labels, panel)
		removed = append(removed, RenderCommand{Kind: CommandRemove, Panel: panel, Source: tl.label.Source, Exchange: tl.label.Exchange})
	}
	return removed, errors.Join(errs...)
}

func (s *Synchronizer) sortedPanels() []string {
	panels := make([]string, 0, len(s.labels))
	for p := range s.labels {
		panels = append(panels, p)
	}
	sort.Strings(panels)
	return panels
}

// RemoveAll takes every label this synchronizer drew off the chart, the main
// label included. Passes after RemoveAll return ErrClosed.
func (s *Synchronizer) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	var errs []error
	for _, panel := range s.sortedPanels() {
		if err := s.inserter.Remove(ctx, s.labels[panel].label); err != nil {
			errs = append(errs, err)
		}
		delete(s.labels, panel)
	}
	if s.main != nil {
		if err := s.inserter.Remove(ctx, s.main); err != nil {
			errs = append(errs, err)
		}
	}
	s.lastAttrib = ""
	return errors.Join(errs...)
}

// LastAttrib returns the composite text on the main label.
func (s *Synchronizer) LastAttrib() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttrib
}

// Status returns copies of the labels this synchronizer drew.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{LastAttrib: s.lastAttrib, Passes: s.passes, Main: *s.main, Labels: make([]overlay.Label, 0, len(s.labels))}
	for _, p := range s.sortedPanels() {
		st.Labels = append(st.Labels, *s.labels[p].label)
	}
	return st
}

// Subscribe registers the synchronizer on d. Host failures are logged.
func (s *Synchronizer) Subscribe(d *Dispatcher) (unsubscribe func()) {
	return d.OnDatasetReady(func(ctx context.Context, snap ChartSnapshot) {
		if _, err := s.OnDataSetCreated(ctx, snap); err != nil {
			slog.Warn("attribution pass incomplete", "chart_id", s.chartID, "error", err)
		}
	})
}
