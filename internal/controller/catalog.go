package controller

import (
	"context"
	"strings"

	"github.com/dgnsrekt/tv_attrib/internal/bridge"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
)

// Catalog returns the current message tables.
func (s *Service) Catalog() catalog.Entries {
	return s.catalog.Load().Entries()
}

// SetSource sets one source entry and re-syncs attached charts.
func (s *Service) SetSource(ctx context.Context, id, text string) (catalog.Entries, error) {
	if err := s.requireNonEmpty(id, "source id"); err != nil {
		return catalog.Entries{}, err
	}
	if err := s.requireNonEmpty(text, "text"); err != nil {
		return catalog.Entries{}, err
	}
	return s.updateCatalog(ctx, catalog.Entries{Sources: map[string]string{strings.TrimSpace(id): text}}), nil
}

// SetExchange sets one exchange entry and re-syncs attached charts.
func (s *Service) SetExchange(ctx context.Context, id, text string) (catalog.Entries, error) {
	if err := s.requireNonEmpty(id, "exchange id"); err != nil {
		return catalog.Entries{}, err
	}
	if err := s.requireNonEmpty(text, "text"); err != nil {
		return catalog.Entries{}, err
	}
	return s.updateCatalog(ctx, catalog.Entries{Exchanges: map[string]string{strings.TrimSpace(id): text}}), nil
}

// DeleteSource removes a source entry, including one from the catalog file.
func (s *Service) DeleteSource(ctx context.Context, id string) (catalog.Entries, error) {
	if err := s.requireNonEmpty(id, "source id"); err != nil {
		return catalog.Entries{}, err
	}
	return s.updateCatalog(ctx, catalog.Entries{Sources: map[string]string{strings.TrimSpace(id): ""}}), nil
}

func (s *Service) DeleteExchange(ctx context.Context, id string) (catalog.Entries, error) {
	if err := s.requireNonEmpty(id, "exchange id"); err != nil {
		return catalog.Entries{}, err
	}
	return s.updateCatalog(ctx, catalog.Entries{Exchanges: map[string]string{strings.TrimSpace(id): ""}}), nil
}

// updateCatalog records e as runtime overrides. They survive reloads of the
// catalog file.
func (s *Service) updateCatalog(ctx context.Context, e catalog.Entries) catalog.Entries {
	entries := s.catalog.Override(e).Entries()
	s.CatalogChanged(ctx, entries)
	return entries
}

// CatalogChanged publishes the new tables and re-syncs attached charts. The
// file watcher calls it after a reload.
func (s *Service) CatalogChanged(ctx context.Context, entries catalog.Entries) {
	s.publish("", bridge.KindCatalog, entries)
	s.SyncAll(ctx, TriggerCatalog)
}
