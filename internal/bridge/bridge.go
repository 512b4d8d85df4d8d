// Package bridge carries dataset events from chart pages to the controller.
//
// The page-side hook calls a CDP binding with a JSON ChartSnapshot. Binding
// events arrive on the CDP read loop, which must never wait on an evaluation,
// so each chart gets a mailbox drained by its own goroutine. A mailbox holds
// only the newest snapshot: reconciliation works on whole snapshots, so a pass
// over the latest one covers any it replaced.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
)

// Sink consumes snapshots, one call at a time per chart.
type Sink interface {
	HandleDataset(ctx context.Context, chartID string, snap attribution.ChartSnapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chartID string, snap attribution.ChartSnapshot)

func (f SinkFunc) HandleDataset(ctx context.Context, chartID string, snap attribution.ChartSnapshot) {
	f(ctx, chartID, snap)
}

// Source is the CDP side of the bridge.
type Source interface {
	RegisterCDPEventHandler(method string, fn func(sessionID string, params json.RawMessage)) (func(), error)
	ChartForSession(sessionID string) (string, bool)
}

// Stats counts what the bridge has seen.
type Stats struct {
	Received  int64 `json:"received"`
	Delivered int64 `json:"delivered"`
	Coalesced int64 `json:"coalesced"`
	Dropped   int64 `json:"dropped"`
	Charts    int   `json:"charts"`
}

// Bridge routes binding calls to per-chart mailboxes.
type Bridge struct {
	binding string
	sink    Sink

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	src     Source
	unreg   func()
	boxes   map[string]*mailbox
	wg      sync.WaitGroup
	stopped bool

	received  atomic.Int64
	delivered atomic.Int64
	coalesced atomic.Int64
	dropped   atomic.Int64
}

type mailbox struct {
	mu      sync.Mutex
	pending *attribution.ChartSnapshot
	wake    chan struct{}
	cancel  context.CancelFunc
}

// New returns a bridge that listens for calls to binding.
func New(binding string, sink Sink) *Bridge {
	return &Bridge{
		binding: binding,
		sink:    sink,
		boxes:   make(map[string]*mailbox),
	}
}

// Start registers the binding handler on src. Mailbox goroutines stop when ctx
// is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context, src Source) error {
	if src == nil {
		return errors.New("bridge: source is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreg != nil {
		return errors.New("bridge: already started")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.src = src
	b.stopped = false
	unreg, err := src.RegisterCDPEventHandler(cdpcontrol.BindingCalledEvent, b.onBindingCalled)
	if err != nil {
		b.cancel()
		return err
	}
	b.unreg = unreg
	slog.Info("bridge started", "binding", b.binding)
	return nil
}

// Stop unregisters the handler and waits for in-flight passes.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.unreg != nil {
		b.unreg()
		b.unreg = nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.stopped = true
	b.boxes = make(map[string]*mailbox)
	b.mu.Unlock()

	b.wg.Wait()
	slog.Info("bridge stopped")
}

func (b *Bridge) onBindingCalled(sessionID string, params json.RawMessage) {
	call, err := cdpcontrol.DecodeBindingCall(params)
	if err != nil || call.Name != b.binding {
		return
	}
	b.received.Add(1)

	b.mu.Lock()
	src := b.src
	b.mu.Unlock()
	if src == nil {
		return
	}
	chartID, ok := src.ChartForSession(sessionID)
	if !ok {
		b.dropped.Add(1)
		slog.Debug("bridge binding call from unknown session", "session_id", sessionID)
		return
	}

	var snap attribution.ChartSnapshot
	if err := json.Unmarshal([]byte(call.Payload), &snap); err != nil {
		b.dropped.Add(1)
		slog.Warn("bridge invalid snapshot payload", "chart_id", chartID, "error", err)
		return
	}
	b.Post(chartID, snap)
}

// Post queues snap for chartID, replacing any snapshot not yet handled.
func (b *Bridge) Post(chartID string, snap attribution.ChartSnapshot) {
	b.mu.Lock()
	if b.stopped || b.ctx == nil {
		b.mu.Unlock()
		b.dropped.Add(1)
		return
	}
	box, ok := b.boxes[chartID]
	if !ok {
		box = b.openLocked(chartID)
	}
	b.mu.Unlock()

	box.mu.Lock()
	if box.pending != nil {
		b.coalesced.Add(1)
	}
	box.pending = &snap
	box.mu.Unlock()

	select {
	case box.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) openLocked(chartID string) *mailbox {
	ctx, cancel := context.WithCancel(b.ctx)
	box := &mailbox{wake: make(chan struct{}, 1), cancel: cancel}
	b.boxes[chartID] = box
	b.wg.Add(1)
	go b.drain(ctx, chartID, box)
	slog.Debug("bridge mailbox opened", "chart_id", chartID)
	return box
}

func (b *Bridge) drain(ctx context.Context, chartID string, box *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-box.wake:
		}

		box.mu.Lock()
		snap := box.pending
		box.pending = nil
		box.mu.Unlock()
		if snap == nil {
			continue
		}
		b.sink.HandleDataset(ctx, chartID, *snap)
		b.delivered.Add(1)
	}
}

// Forget closes the chart's mailbox. A snapshot still pending is discarded.
func (b *Bridge) Forget(chartID string) {
	b.mu.Lock()
	box, ok := b.boxes[chartID]
	delete(b.boxes, chartID)
	b.mu.Unlock()
	if ok {
		box.cancel()
	}
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	charts := len(b.boxes)
	b.mu.Unlock()
	return Stats{
		Received:  b.received.Load(),
		Delivered: b.delivered.Load(),
		Coalesced: b.coalesced.Load(),
		Dropped:   b.dropped.Load(),
		Charts:    charts,
	}
}
