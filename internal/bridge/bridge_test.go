package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
)

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]func(string, json.RawMessage)
	sessions map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		handlers: make(map[string]func(string, json.RawMessage)),
		sessions: map[string]string{"s1": "chart-a", "s2": "chart-b"},
	}
}

func (f *fakeSource) RegisterCDPEventHandler(method string, fn func(string, json.RawMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, method)
	}, nil
}

func (f *fakeSource) ChartForSession(sessionID string) (string, bool) {
	id, ok := f.sessions[sessionID]
	return id, ok
}

func (f *fakeSource) fire(t *testing.T, sessionID, name string, snap any) {
	t.Helper()
	payload, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal() = %v", err)
	}
	params, _ := json.Marshal(map[string]any{"name": name, "payload": string(payload), "executionContextId": 1})
	f.mu.Lock()
	fn := f.handlers[cdpcontrol.BindingCalledEvent]
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no bindingCalled handler registered")
	}
	fn(sessionID, params)
}

type delivery struct {
	chart string
	snap  attribution.ChartSnapshot
}

func recordingSink() (Sink, <-chan delivery) {
	ch := make(chan delivery, 16)
	return SinkFunc(func(_ context.Context, chartID string, snap attribution.ChartSnapshot) {
		ch <- delivery{chart: chartID, snap: snap}
	}), ch
}

func waitDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return delivery{}
}

func snapWith(source string) attribution.ChartSnapshot {
	return attribution.ChartSnapshot{
		Provenance: &attribution.Provenance{Source: source, Exchange: "EOD"},
		Panels:     []string{attribution.MainPanel},
	}
}

func TestBridgeRoutesBindingCalls(t *testing.T) {
	src := newFakeSource()
	sink, got := recordingSink()
	b := New("__tvAttribDataset", sink)
	if err := b.Start(context.Background(), src); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer b.Stop()

	src.fire(t, "s2", "__tvAttribDataset", snapWith("demo"))
	d := waitDelivery(t, got)
	if d.chart != "chart-b" {
		t.Fatalf("chart = %q; want chart-b", d.chart)
	}
	if d.snap.Provenance == nil || d.snap.Provenance.Source != "demo" {
		t.Fatalf("snapshot = %+v", d.snap)
	}
}

func TestBridgeDropsForeignCalls(t *testing.T) {
	src := newFakeSource()
	sink, got := recordingSink()
	b := New("__tvAttribDataset", sink)
	if err := b.Start(context.Background(), src); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer b.Stop()

	src.fire(t, "s1", "someOtherBinding", snapWith("demo"))
	src.fire(t, "unknown-session", "__tvAttribDataset", snapWith("demo"))
	src.fire(t, "s1", "__tvAttribDataset", "not a snapshot")

	select {
	case d := <-got:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	st := b.Stats()
	if st.Received != 2 || st.Dropped != 2 || st.Delivered != 0 {
		t.Fatalf("stats = %+v; want received=2 dropped=2 delivered=0", st)
	}
}

func TestBridgeCoalescesWhileBusy(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	sink := SinkFunc(func(_ context.Context, _ string, snap attribution.ChartSnapshot) {
		entered <- struct{}{}
		<-release
		mu.Lock()
		seen = append(seen, snap.Provenance.Source)
		mu.Unlock()
	})

	b := New("__tvAttribDataset", sink)
	if err := b.Start(context.Background(), newFakeSource()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	b.Post("chart-a", snapWith("first"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}
	b.Post("chart-a", snapWith("second"))
	b.Post("chart-a", snapWith("third"))
	close(release)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink not called for newest snapshot")
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "third" {
		t.Fatalf("seen = %v; want [first third]", seen)
	}
	if c := b.Stats().Coalesced; c != 1 {
		t.Fatalf("coalesced = %d; want 1", c)
	}
}

func TestBridgeStopDropsLatePosts(t *testing.T) {
	sink, got := recordingSink()
	b := New("__tvAttribDataset", sink)
	if err := b.Start(context.Background(), newFakeSource()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := b.Start(context.Background(), newFakeSource()); err == nil {
		t.Fatal("second Start() = nil; want error")
	}
	b.Stop()

	b.Post("chart-a", snapWith("late"))
	select {
	case d := <-got:
		t.Fatalf("delivery after Stop: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	if st := b.Stats(); st.Dropped != 1 || st.Charts != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBridgeForgetClosesMailbox(t *testing.T) {
	sink, got := recordingSink()
	b := New("__tvAttribDataset", sink)
	if err := b.Start(context.Background(), newFakeSource()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer b.Stop()

	b.Post("chart-a", snapWith("one"))
	waitDelivery(t, got)
	b.Forget("chart-a")
	if n := b.Stats().Charts; n != 0 {
		t.Fatalf("charts = %d after Forget; want 0", n)
	}

	b.Post("chart-a", snapWith("two"))
	if d := waitDelivery(t, got); d.snap.Provenance.Source != "two" {
		t.Fatalf("delivery = %+v", d)
	}
}
