package cdpcontrol

import (
	"context"

	"github.com/dgnsrekt/tv_attrib/internal/overlay"
)

// ChartHost drives the attribution overlay of one chart tab over CDP.
type ChartHost struct {
	client  *Client
	chartID string
	engine  string
}

var _ overlay.Host = (*ChartHost)(nil)

// NewChartHost returns a host for chartID. engine is the JS expression that
// yields the chart engine on the page.
func NewChartHost(client *Client, chartID, engine string) *ChartHost {
	return &ChartHost{client: client, chartID: chartID, engine: engine}
}

// ChartID returns the chart this host writes to.
func (h *ChartHost) ChartID() string { return h.chartID }

func (h *ChartHost) Instantiate(ctx context.Context, tpl overlay.Template) (overlay.NodeID, error) {
	var out struct {
		NodeID string `json:"node_id"`
	}
	if err := h.client.evalOnChart(ctx, h.chartID, jsInstantiate(tpl.Markup), &out); err != nil {
		return "", err
	}
	if out.NodeID == "" {
		return "", newError(CodeEvalFailure, "empty node id", nil)
	}
	return overlay.NodeID(out.NodeID), nil
}

func (h *ChartHost) RegisterMarker(ctx context.Context, m overlay.Marker) (overlay.MarkerID, error) {
	var out struct {
		MarkerID string `json:"marker_id"`
	}
	if err := h.client.evalOnChart(ctx, h.chartID, jsRegisterMarker(h.engine, m), &out); err != nil {
		return "", err
	}
	if out.MarkerID == "" {
		return "", newError(CodeEvalFailure, "empty marker id", nil)
	}
	return overlay.MarkerID(out.MarkerID), nil
}

func (h *ChartHost) SetHTML(ctx context.Context, node overlay.NodeID, region, html string) error {
	return h.client.evalOnChart(ctx, h.chartID, jsSetRegionHTML(node, region, html), nil)
}

func (h *ChartHost) TranslateUI(ctx context.Context, node overlay.NodeID) error {
	return h.client.evalOnChart(ctx, h.chartID, jsTranslateUI(node), nil)
}

func (h *ChartHost) RemoveMarker(ctx context.Context, marker overlay.MarkerID) error {
	return h.client.evalOnChart(ctx, h.chartID, jsRemoveMarker(marker), nil)
}

func (h *ChartHost) DiscardNode(ctx context.Context, node overlay.NodeID) error {
	return h.client.evalOnChart(ctx, h.chartID, jsDiscardNode(node), nil)
}
