package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsLookup(t *testing.T) {
	tbl := Defaults()

	tests := []struct {
		name   string
		lookup func(string) (string, bool)
		id     string
		want   string
		found  bool
	}{
		{name: "xignite source", lookup: tbl.LookupSource, id: "xignite", want: `<a target="_blank" href="https://www.xignite.com">Market Data</a> by Xignite.`, found: true},
		{name: "study type source", lookup: tbl.LookupSource, id: "Twiggs", want: "Formula courtesy", found: true},
		{name: "unknown source", lookup: tbl.LookupSource, id: "unknown_id"},
		{name: "delayed exchange", lookup: tbl.LookupExchange, id: "DELAYED", want: "Data delayed 15 min.", found: true},
		{name: "eod exchange", lookup: tbl.LookupExchange, id: "EOD", want: "End of day data.", found: true},
		{name: "study type has no exchange", lookup: tbl.LookupExchange, id: "Twiggs"},
		{name: "case sensitive", lookup: tbl.LookupExchange, id: "eod"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.lookup(tt.id)
			if ok != tt.found {
				t.Fatalf("found = %v; want %v", ok, tt.found)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Fatalf("value = %q; want prefix %q", got, tt.want)
			}
		})
	}
}

func TestMergeOverridesAndDeletes(t *testing.T) {
	base := Defaults()
	next := base.Merge(Entries{
		Sources:   map[string]string{"mydata": "My data.", "demo": "Sample data."},
		Exchanges: map[string]string{"DELAYED": ""},
	})

	if got, _ := next.LookupSource("mydata"); got != "My data." {
		t.Fatalf("mydata = %q; want %q", got, "My data.")
	}
	if got, _ := next.LookupSource("demo"); got != "Sample data." {
		t.Fatalf("demo = %q; want %q", got, "Sample data.")
	}
	if _, ok := next.LookupExchange("DELAYED"); ok {
		t.Fatal("DELAYED still present after delete")
	}
	if got, _ := base.LookupSource("demo"); got != "Demo data." {
		t.Fatalf("base table mutated: demo = %q", got)
	}
}

func TestEmptyValueCountsAsMissing(t *testing.T) {
	tbl := NewTable(map[string]string{"blank": ""}, nil)
	if _, ok := tbl.LookupSource("blank"); ok {
		t.Fatal("empty source fragment reported as present")
	}
}

func TestCatalogOverride(t *testing.T) {
	c := New(Defaults())
	c.Override(Entries{Sources: map[string]string{"acme": "ACME feed."}})

	if got, ok := c.LookupSource("acme"); !ok || got != "ACME feed." {
		t.Fatalf("LookupSource(acme) = %q, %v", got, ok)
	}
	c.Override(Entries{Sources: map[string]string{"acme": ""}})
	if _, ok := c.LookupSource("acme"); ok {
		t.Fatal("acme still present after removal")
	}
	if got := c.Overrides().Sources; len(got) != 1 || got["acme"] != "" {
		t.Fatalf("Overrides().Sources = %v; want acme tombstone", got)
	}
}

func TestSetBaseKeepsOverrides(t *testing.T) {
	c := New(Defaults())
	c.Override(Entries{
		Sources:   map[string]string{"admin_src": "Admin data."},
		Exchanges: map[string]string{"EOD": ""},
	})

	next := c.SetBase(Defaults().WithSource("file_src", "File data."))
	if got, ok := next.LookupSource("admin_src"); !ok || got != "Admin data." {
		t.Fatalf("admin_src after SetBase = %q, %v", got, ok)
	}
	if got, _ := c.LookupSource("file_src"); got != "File data." {
		t.Fatalf("file_src = %q", got)
	}
	if _, ok := c.LookupExchange("EOD"); ok {
		t.Fatal("deleted EOD came back with the new base")
	}
}

func TestEntriesAreCopies(t *testing.T) {
	tbl := Defaults()
	e := tbl.Entries()
	e.Sources["demo"] = "changed"
	if got, _ := tbl.LookupSource("demo"); got != "Demo data." {
		t.Fatalf("table mutated through Entries(): %q", got)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	body := "sources:\n  acme: 'ACME <b>feed</b>.'\nexchanges:\n  EOD: ''\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	tbl, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile() = %v", err)
	}
	if got, _ := tbl.LookupSource("acme"); got != "ACME <b>feed</b>." {
		t.Fatalf("acme = %q", got)
	}
	if _, ok := tbl.LookupExchange("EOD"); ok {
		t.Fatal("EOD should have been removed")
	}
	if _, ok := tbl.LookupSource("xignite"); !ok {
		t.Fatal("defaults lost after merge")
	}
}

func TestFromFileEmptyPathUsesDefaults(t *testing.T) {
	tbl, err := FromFile("")
	if err != nil {
		t.Fatalf("FromFile(\"\") = %v", err)
	}
	if len(tbl.SourceIDs()) != len(defaultSources) {
		t.Fatalf("source ids = %v", tbl.SourceIDs())
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("sources: [1, 2")); err == nil {
		t.Fatal("Parse() = nil; want error")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  acme: 'one'\n"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}
	tbl, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile() = %v", err)
	}
	cat := New(tbl)
	cat.Override(Entries{Sources: map[string]string{"admin_src": "Admin data."}})

	reloaded := make(chan Table, 4)
	w, err := NewWatcher(path, cat, func(t Table, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- t:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher() = %v", err)
	}
	w.delay = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(w.Stop)

	if err := os.WriteFile(path, []byte("sources:\n  acme: 'two'\n"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case served := <-reloaded:
			if got, _ := cat.LookupSource("acme"); got == "two" {
				if got, _ := served.LookupSource("admin_src"); got != "Admin data." {
					t.Fatalf("reload dropped runtime override: admin_src = %q", got)
				}
				return
			}
		case <-deadline:
			got, _ := cat.LookupSource("acme")
			t.Fatalf("catalog was not reloaded: acme = %q; want %q", got, "two")
		}
	}
}
