package attribution

import (
	"context"
	"sync"
)

// DatasetHandler runs after the chart rebuilt its dataset.
type DatasetHandler func(ctx context.Context, snap ChartSnapshot)

type subscriber struct {
	id int64
	fn DatasetHandler
}

// Dispatcher fans dataset-ready events out to subscribers, synchronously and
// in registration order.
type Dispatcher struct {
	mu   sync.RWMutex
	seq  int64
	subs []subscriber
}

// NewDispatcher returns a Dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnDatasetReady registers fn and returns a function that removes it.
func (d *Dispatcher) OnDatasetReady(fn DatasetHandler) (unsubscribe func()) {
	d.mu.Lock()
	d.seq++
	id := d.seq
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Fire calls every subscriber with snap and returns how many ran.
func (d *Dispatcher) Fire(ctx context.Context, snap ChartSnapshot) int {
	d.mu.RLock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		s.fn(ctx, snap)
	}
	return len(subs)
}

// Len returns the number of subscribers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
