package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/bridge"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/overlay"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
	"github.com/dgnsrekt/tv_attrib/internal/storage"
)

// Driver is the browser side of the service. *cdpcontrol.Client satisfies it.
type Driver interface {
	ListCharts(ctx context.Context) ([]cdpcontrol.ChartInfo, error)
	ProbeEngine(ctx context.Context, chartID, engine string) (cdpcontrol.EngineProbe, error)
	ExposeBinding(ctx context.Context, chartID, name string) error
	RemoveBinding(ctx context.Context, chartID, name string) error
	InstallDatasetHook(ctx context.Context, chartID, engine, binding string) (cdpcontrol.HookInfo, error)
	RemoveDatasetHook(ctx context.Context, chartID, engine, binding string) error
	ReadSnapshot(ctx context.Context, chartID, engine string) (attribution.ChartSnapshot, error)
}

// HostFactory returns the overlay host for one chart.
type HostFactory func(chartID string) overlay.Host

// Journal records applied passes.
type Journal interface {
	Record(e storage.Entry) error
}

// Publisher streams events to API clients.
type Publisher interface {
	Publish(evt bridge.Event)
}

// Options configures a Service.
type Options struct {
	Engine   string
	Binding  string
	Teardown bool
	Template overlay.Template
	Journal  Journal
	Events   Publisher
	Captures *snapshot.Store
}

// ChartStatus is the controller view of one attached chart.
type ChartStatus struct {
	ChartID    string                 `json:"chart_id"`
	AttachedAt time.Time              `json:"attached_at"`
	Hook       cdpcontrol.HookInfo    `json:"hook"`
	Engine     cdpcontrol.EngineProbe `json:"engine"`
	LastPassAt *time.Time             `json:"last_pass_at,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	attribution.Status
}

// PassResult is the outcome of one applied pass.
type PassResult struct {
	ChartID    string           `json:"chart_id"`
	Trigger    string           `json:"trigger"`
	Pass       int              `json:"pass"`
	LastAttrib string           `json:"last_attrib"`
	Plan       attribution.Plan `json:"plan"`
	Error      string           `json:"error,omitempty"`
}

const syncAllLimit = 4

// Pass triggers.
const (
	TriggerAttach  = "attach"
	TriggerDataset = "dataset"
	TriggerSync    = "sync"
	TriggerCatalog = "catalog"
	TriggerReplay  = "replay"
)

type attachedChart struct {
	id         string
	sync       *attribution.Synchronizer
	attachedAt time.Time
	hook       cdpcontrol.HookInfo
	engine     cdpcontrol.EngineProbe
	datasets   *attribution.Dispatcher

	mu       sync.Mutex
	lastPass time.Time
	lastErr  string
}

// Service keeps one attribution synchronizer per attached chart.
type Service struct {
	driver  Driver
	newHost HostFactory
	catalog *catalog.Catalog
	opts    Options

	// attachMu serializes attach and detach so a chart never gets two main labels.
	attachMu sync.Mutex

	mu       sync.RWMutex
	charts   map[string]*attachedChart
	onDetach []func(chartID string)
}

func NewService(driver Driver, newHost HostFactory, cat *catalog.Catalog, opts Options) *Service {
	if opts.Template.Markup == "" {
		opts.Template = overlay.DefaultTemplate()
	}
	return &Service{
		driver:  driver,
		newHost: newHost,
		catalog: cat,
		opts:    opts,
		charts:  make(map[string]*attachedChart),
	}
}

// OnDetach registers fn to run after a chart is detached or forgotten.
func (s *Service) OnDetach(fn func(chartID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDetach = append(s.onDetach, fn)
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) lookup(chartID string) (*attachedChart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charts[chartID]
	if !ok {
		return nil, &cdpcontrol.CodedError{Code: cdpcontrol.CodeNotAttached, Message: "chart " + chartID + " is not attached"}
	}
	return c, nil
}

func (s *Service) ListCharts(ctx context.Context) ([]cdpcontrol.ChartInfo, error) {
	return s.driver.ListCharts(ctx)
}

// Attach installs the dataset hook on a chart, inserts its main label and runs
// a first pass. Attaching an attached chart returns its status.
func (s *Service) Attach(ctx context.Context, chartID string) (ChartStatus, error) {
	if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
		return ChartStatus{}, err
	}
	chartID = strings.TrimSpace(chartID)

	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if c, err := s.lookup(chartID); err == nil {
		return c.status(), nil
	}

	engine, err := s.driver.ProbeEngine(ctx, chartID, s.opts.Engine)
	if err != nil {
		return ChartStatus{}, err
	}
	if !engine.Engine || !engine.MarkerAPI || !engine.Injections {
		slog.Warn("chart engine incomplete", "chart_id", chartID, "engine", engine.Engine, "marker_api", engine.MarkerAPI, "injections", engine.Injections)
		return ChartStatus{}, cdpcontrol.NewError(cdpcontrol.CodeAPIUnavailable, "chart engine lacks marker or injection support", nil)
	}

	if err := s.driver.ExposeBinding(ctx, chartID, s.opts.Binding); err != nil {
		return ChartStatus{}, err
	}
	hook, err := s.driver.InstallDatasetHook(ctx, chartID, s.opts.Engine, s.opts.Binding)
	if err != nil {
		s.unbind(chartID)
		return ChartStatus{}, err
	}

	host := s.newHost(chartID)
	ins, err := overlay.NewInserter(host, s.opts.Template)
	if err != nil {
		s.unhook(chartID)
		return ChartStatus{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, "invalid label template", err)
	}
	syncer, err := attribution.New(ctx, s.catalog, ins, overlay.NewRenderer(host),
		attribution.WithTeardown(s.opts.Teardown),
		attribution.WithChartID(chartID),
	)
	if err != nil {
		s.unhook(chartID)
		return ChartStatus{}, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "insert main label", err)
	}

	c := &attachedChart{
		id:         chartID,
		sync:       syncer,
		attachedAt: time.Now().UTC(),
		hook:       hook,
		engine:     engine,
		datasets:   attribution.NewDispatcher(),
	}
	c.datasets.OnDatasetReady(func(ctx context.Context, snap attribution.ChartSnapshot) {
		s.apply(ctx, c, TriggerDataset, snap)
	})
	s.mu.Lock()
	s.charts[chartID] = c
	s.mu.Unlock()

	slog.Info("chart attached", "chart_id", chartID, "hook_present", hook.Present)
	s.publish(chartID, bridge.KindAttached, c.status())

	// The hook only fires on the next dataset rebuild; sync the current state now.
	if snap, err := s.driver.ReadSnapshot(ctx, chartID, s.opts.Engine); err != nil {
		slog.Warn("initial snapshot read failed", "chart_id", chartID, "error", err)
	} else {
		s.apply(ctx, c, TriggerAttach, snap)
	}
	return c.status(), nil
}

// Detach removes the hook, the binding and every label from a chart.
func (s *Service) Detach(ctx context.Context, chartID string) error {
	if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
		return err
	}
	chartID = strings.TrimSpace(chartID)

	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	c, err := s.lookup(chartID)
	if err != nil {
		return err
	}
	s.forget(chartID)

	var errs []error
	if err := c.sync.RemoveAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.driver.RemoveDatasetHook(ctx, chartID, s.opts.Engine, s.opts.Binding); err != nil {
		errs = append(errs, err)
	}
	if err := s.driver.RemoveBinding(ctx, chartID, s.opts.Binding); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("chart detach incomplete", "chart_id", chartID, "error", err)
		return cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "detach incomplete", err)
	}
	slog.Info("chart detached", "chart_id", chartID)
	return nil
}

// forget drops the chart from the registry without touching the page.
func (s *Service) forget(chartID string) {
	s.mu.Lock()
	delete(s.charts, chartID)
	hooks := append([]func(string){}, s.onDetach...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(chartID)
	}
	s.publish(chartID, bridge.KindDetached, map[string]string{"chart_id": chartID})
}

func (s *Service) unbind(chartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.driver.RemoveBinding(ctx, chartID, s.opts.Binding); err != nil {
		slog.Debug("binding rollback failed", "chart_id", chartID, "error", err)
	}
}

func (s *Service) unhook(chartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.driver.RemoveDatasetHook(ctx, chartID, s.opts.Engine, s.opts.Binding); err != nil {
		slog.Debug("hook rollback failed", "chart_id", chartID, "error", err)
	}
	s.unbind(chartID)
}

func (s *Service) Status(chartID string) (ChartStatus, error) {
	if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
		return ChartStatus{}, err
	}
	c, err := s.lookup(strings.TrimSpace(chartID))
	if err != nil {
		return ChartStatus{}, err
	}
	return c.status(), nil
}

// ListAttached returns the attached charts ordered by chart id.
func (s *Service) ListAttached() []ChartStatus {
	s.mu.RLock()
	charts := make([]*attachedChart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.mu.RUnlock()

	sort.Slice(charts, func(i, j int) bool { return charts[i].id < charts[j].id })
	out := make([]ChartStatus, 0, len(charts))
	for _, c := range charts {
		out = append(out, c.status())
	}
	return out
}

// Sync pulls a fresh snapshot from the page and runs a pass over it. Host
// failures during the pass are reported in PassResult.Error.
func (s *Service) Sync(ctx context.Context, chartID string) (PassResult, error) {
	if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
		return PassResult{}, err
	}
	c, err := s.lookup(strings.TrimSpace(chartID))
	if err != nil {
		return PassResult{}, err
	}
	snap, err := s.driver.ReadSnapshot(ctx, c.id, s.opts.Engine)
	if err != nil {
		return PassResult{}, err
	}
	return s.apply(ctx, c, TriggerSync, snap), nil
}

// HandleDataset runs a pass for a snapshot pushed by the page hook.
func (s *Service) HandleDataset(ctx context.Context, chartID string, snap attribution.ChartSnapshot) {
	c, err := s.lookup(chartID)
	if err != nil {
		slog.Debug("dataset event for unattached chart", "chart_id", chartID)
		return
	}
	c.datasets.Fire(ctx, snap)
}

// OnDataset registers fn to run after each dataset pass on chartID. It is
// dropped when the chart detaches.
func (s *Service) OnDataset(chartID string, fn attribution.DatasetHandler) (unsubscribe func(), err error) {
	c, err := s.lookup(chartID)
	if err != nil {
		return nil, err
	}
	return c.datasets.OnDatasetReady(fn), nil
}

// SyncAll re-runs a pass on every attached chart, used after catalog changes.
// Charts are synced concurrently; results are ordered by chart id and charts
// whose snapshot could not be read are left out.
func (s *Service) SyncAll(ctx context.Context, trigger string) []PassResult {
	s.mu.RLock()
	charts := make([]*attachedChart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.mu.RUnlock()
	sort.Slice(charts, func(i, j int) bool { return charts[i].id < charts[j].id })

	results := make([]*PassResult, len(charts))
	var g errgroup.Group
	g.SetLimit(syncAllLimit)
	for i, c := range charts {
		g.Go(func() error {
			snap, err := s.driver.ReadSnapshot(ctx, c.id, s.opts.Engine)
			if err != nil {
				slog.Warn("snapshot read failed", "chart_id", c.id, "trigger", trigger, "error", err)
				return nil
			}
			res := s.apply(ctx, c, trigger, snap)
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]PassResult, 0, len(charts))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// Plan computes the commands a pass over snap would issue without touching the
// page. A nil snap reads the chart's current snapshot. Charts that are not
// attached are planned against an empty main label.
func (s *Service) Plan(ctx context.Context, chartID string, snap *attribution.ChartSnapshot) (attribution.Plan, error) {
	chartID = strings.TrimSpace(chartID)
	var attached *attachedChart
	if chartID != "" {
		if c, err := s.lookup(chartID); err == nil {
			attached = c
		}
	}
	if snap == nil {
		if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
			return attribution.Plan{}, err
		}
		live, err := s.driver.ReadSnapshot(ctx, chartID, s.opts.Engine)
		if err != nil {
			return attribution.Plan{}, err
		}
		snap = &live
	}
	if attached != nil {
		return attached.sync.Plan(*snap), nil
	}
	return attribution.Reconcile(s.catalog, "", *snap), nil
}

// Refresh attaches charts that appeared and forgets charts whose tab closed.
func (s *Service) Refresh(ctx context.Context) ([]ChartStatus, error) {
	infos, err := s.driver.ListCharts(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(infos))
	for _, info := range infos {
		live[info.ChartID] = true
		if _, err := s.lookup(info.ChartID); err == nil {
			continue
		}
		if _, err := s.Attach(ctx, info.ChartID); err != nil {
			slog.Warn("auto attach failed", "chart_id", info.ChartID, "error", err)
		}
	}

	s.attachMu.Lock()
	for _, st := range s.ListAttached() {
		if !live[st.ChartID] {
			slog.Info("chart tab gone", "chart_id", st.ChartID)
			s.forget(st.ChartID)
		}
	}
	s.attachMu.Unlock()
	return s.ListAttached(), nil
}

func (s *Service) apply(ctx context.Context, c *attachedChart, trigger string, snap attribution.ChartSnapshot) PassResult {
	plan, err := c.sync.OnDataSetCreated(ctx, snap)
	if errors.Is(err, attribution.ErrClosed) {
		slog.Debug("pass after detach ignored", "chart_id", c.id, "trigger", trigger)
		return PassResult{ChartID: c.id, Trigger: trigger, Plan: plan}
	}
	st := c.sync.Status()
	res := PassResult{ChartID: c.id, Trigger: trigger, Pass: st.Passes, LastAttrib: st.LastAttrib, Plan: plan}
	if err != nil {
		res.Error = err.Error()
	}

	c.mu.Lock()
	c.lastPass = time.Now().UTC()
	c.lastErr = res.Error
	c.mu.Unlock()

	if plan.Empty() && err == nil {
		return res
	}
	slog.Info("attribution pass", "chart_id", c.id, "trigger", trigger, "pass", res.Pass, "commands", len(plan.Commands), "error", res.Error)
	if s.opts.Journal != nil {
		entry := storage.Entry{
			ChartID:    c.id,
			Trigger:    trigger,
			Pass:       res.Pass,
			LastAttrib: res.LastAttrib,
			Commands:   plan.Commands,
			Skipped:    plan.Skipped,
			Error:      res.Error,
		}
		if err := s.opts.Journal.Record(entry); err != nil {
			slog.Warn("journal write failed", "chart_id", c.id, "error", err)
		}
	}
	s.publish(c.id, bridge.KindPass, res)
	return res
}

func (s *Service) publish(chartID, kind string, payload any) {
	if s.opts.Events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("event encode failed", "kind", kind, "error", err)
		return
	}
	s.opts.Events.Publish(bridge.Event{Chart: chartID, Kind: kind, Payload: string(data)})
}

func (c *attachedChart) status() ChartStatus {
	st := ChartStatus{ChartID: c.id, AttachedAt: c.attachedAt, Hook: c.hook, Engine: c.engine, Status: c.sync.Status()}
	c.mu.Lock()
	if !c.lastPass.IsZero() {
		t := c.lastPass
		st.LastPassAt = &t
	}
	st.LastError = c.lastErr
	c.mu.Unlock()
	return st
}
