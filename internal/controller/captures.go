package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
)

// ReplayResult is the outcome of replaying a capture.
type ReplayResult struct {
	CaptureID string           `json:"capture_id"`
	ChartID   string           `json:"chart_id"`
	Applied   bool             `json:"applied"`
	Plan      attribution.Plan `json:"plan"`
	Pass      *PassResult      `json:"pass,omitempty"`
}

func (s *Service) captures() (*snapshot.Store, error) {
	if s.opts.Captures == nil {
		return nil, &cdpcontrol.CodedError{Code: cdpcontrol.CodeAPIUnavailable, Message: "capture store is not configured"}
	}
	return s.opts.Captures, nil
}

// Capture stores the chart's current snapshot.
func (s *Service) Capture(ctx context.Context, chartID, notes string) (snapshot.CaptureMeta, error) {
	if err := s.requireNonEmpty(chartID, "chart_id"); err != nil {
		return snapshot.CaptureMeta{}, err
	}
	store, err := s.captures()
	if err != nil {
		return snapshot.CaptureMeta{}, err
	}
	chartID = strings.TrimSpace(chartID)

	snap, err := s.driver.ReadSnapshot(ctx, chartID, s.opts.Engine)
	if err != nil {
		return snapshot.CaptureMeta{}, err
	}
	meta := snapshot.CaptureMeta{
		ID:        snapshot.NewID(),
		ChartID:   chartID,
		CreatedAt: time.Now().UTC(),
		Notes:     strings.TrimSpace(notes),
	}
	if c, err := s.lookup(chartID); err == nil {
		meta.LastAttrib = c.sync.LastAttrib()
	}
	return store.Save(meta, snap)
}

func (s *Service) ListCaptures(chartID string) ([]snapshot.CaptureMeta, error) {
	store, err := s.captures()
	if err != nil {
		return nil, err
	}
	return store.List(strings.TrimSpace(chartID))
}

func (s *Service) GetCapture(id string) (snapshot.Capture, error) {
	if err := s.requireNonEmpty(id, "capture id"); err != nil {
		return snapshot.Capture{}, err
	}
	store, err := s.captures()
	if err != nil {
		return snapshot.Capture{}, err
	}
	c, err := store.Get(strings.TrimSpace(id))
	if err != nil {
		return snapshot.Capture{}, captureErr(err)
	}
	return c, nil
}

func (s *Service) DeleteCapture(id string) error {
	if err := s.requireNonEmpty(id, "capture id"); err != nil {
		return err
	}
	store, err := s.captures()
	if err != nil {
		return err
	}
	return captureErr(store.Delete(strings.TrimSpace(id)))
}

// ReplayCapture plans the captured snapshot against a chart. With apply set the
// pass runs on the attached chart; otherwise nothing is written. An empty
// chartID replays against the chart the capture came from.
func (s *Service) ReplayCapture(ctx context.Context, id, chartID string, apply bool) (ReplayResult, error) {
	capture, err := s.GetCapture(id)
	if err != nil {
		return ReplayResult{}, err
	}
	chartID = strings.TrimSpace(chartID)
	if chartID == "" {
		chartID = capture.ChartID
	}
	res := ReplayResult{CaptureID: capture.ID, ChartID: chartID}

	if !apply {
		plan, err := s.Plan(ctx, chartID, &capture.Snapshot)
		if err != nil {
			return ReplayResult{}, err
		}
		res.Plan = plan
		return res, nil
	}

	c, err := s.lookup(chartID)
	if err != nil {
		return ReplayResult{}, err
	}
	pass := s.apply(ctx, c, TriggerReplay, capture.Snapshot)
	res.Applied = true
	res.Plan = pass.Plan
	res.Pass = &pass
	return res, nil
}

func captureErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, snapshot.ErrNotFound):
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeCaptureNotFound, Message: "capture not found", Cause: err}
	case errors.Is(err, snapshot.ErrInvalidID):
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "invalid capture id", Cause: err}
	}
	return err
}
