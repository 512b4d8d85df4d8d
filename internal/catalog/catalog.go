// Package catalog holds the attribution message tables: data-source and
// exchange/quote-type identifiers mapped to the markup rendered inside an
// attribution label. Study types share the source and exchange tables, so a
// study whose type has a source entry is attributable.
package catalog

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"
)

// Table is an immutable pair of lookup maps. The zero value is an empty table.
type Table struct {
	sources   map[string]string
	exchanges map[string]string
}

// Entries is the serialisable form of a Table.
type Entries struct {
	Sources   map[string]string `json:"sources" yaml:"sources"`
	Exchanges map[string]string `json:"exchanges" yaml:"exchanges"`
}

// NewTable copies the given maps. Keys mapped to "" are dropped.
func NewTable(sources, exchanges map[string]string) Table {
	return Table{sources: compact(sources), exchanges: compact(exchanges)}
}

// Defaults returns the built-in table.
func Defaults() Table {
	return NewTable(defaultSources, defaultExchanges)
}

// LookupSource returns the source fragment for id. Empty fragments count as missing.
func (t Table) LookupSource(id string) (string, bool) {
	v, ok := t.sources[id]
	return v, ok && v != ""
}

// LookupExchange returns the exchange fragment for id.
func (t Table) LookupExchange(id string) (string, bool) {
	v, ok := t.exchanges[id]
	return v, ok && v != ""
}

// Merge overlays e on t. An empty value in e deletes the key.
func (t Table) Merge(e Entries) Table {
	return Table{
		sources:   overlay(t.sources, e.Sources),
		exchanges: overlay(t.exchanges, e.Exchanges),
	}
}

// WithSource returns a copy of t with id set (or removed when text is "").
func (t Table) WithSource(id, text string) Table {
	return t.Merge(Entries{Sources: map[string]string{id: text}})
}

// WithExchange returns a copy of t with id set (or removed when text is "").
func (t Table) WithExchange(id, text string) Table {
	return t.Merge(Entries{Exchanges: map[string]string{id: text}})
}

// Entries returns copies of both maps.
func (t Table) Entries() Entries {
	return Entries{Sources: maps.Clone(nonNil(t.sources)), Exchanges: maps.Clone(nonNil(t.exchanges))}
}

// SourceIDs returns the sorted source keys.
func (t Table) SourceIDs() []string { return sortedKeys(t.sources) }

// ExchangeIDs returns the sorted exchange keys.
func (t Table) ExchangeIDs() []string { return sortedKeys(t.exchanges) }

// Catalog publishes the current Table: a base table (defaults plus the override
// file) with runtime overrides layered on top. Replacing the base keeps the
// runtime overrides. Readers get a consistent table even while the base is
// being reloaded.
type Catalog struct {
	mu        sync.Mutex
	base      Table
	overrides Entries

	cur atomic.Pointer[Table]
}

// New returns a Catalog serving t with no runtime overrides.
func New(t Table) *Catalog {
	c := &Catalog{}
	c.SetBase(t)
	return c
}

// Load returns the current table.
func (c *Catalog) Load() Table {
	if t := c.cur.Load(); t != nil {
		return *t
	}
	return Table{}
}

// SetBase replaces the base table and returns the table now served.
func (c *Catalog) SetBase(t Table) Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = t
	return c.publishLocked()
}

// Override records runtime edits and returns the table now served. An empty
// value deletes the key, and the deletion also hides the key from later bases.
func (c *Catalog) Override(e Entries) Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = Entries{
		Sources:   layer(c.overrides.Sources, e.Sources),
		Exchanges: layer(c.overrides.Exchanges, e.Exchanges),
	}
	return c.publishLocked()
}

// Overrides returns a copy of the runtime edits, deletions as empty values.
func (c *Catalog) Overrides() Entries {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Entries{Sources: maps.Clone(nonNil(c.overrides.Sources)), Exchanges: maps.Clone(nonNil(c.overrides.Exchanges))}
}

func (c *Catalog) publishLocked() Table {
	next := c.base.Merge(c.overrides)
	c.cur.Store(&next)
	return next
}

// LookupSource reads from the current table.
func (c *Catalog) LookupSource(id string) (string, bool) { return c.Load().LookupSource(id) }

// LookupExchange reads from the current table.
func (c *Catalog) LookupExchange(id string) (string, bool) { return c.Load().LookupExchange(id) }

func compact(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func overlay(base, over map[string]string) map[string]string {
	out := maps.Clone(nonNil(base))
	for k, v := range over {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// layer is overlay without the deletes: empty values are kept as tombstones.
func layer(base, over map[string]string) map[string]string {
	out := maps.Clone(nonNil(base))
	maps.Copy(out, over)
	return out
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
