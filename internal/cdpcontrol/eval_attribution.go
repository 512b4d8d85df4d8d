package cdpcontrol

import (
	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/overlay"
)

// EngineProbe reports which chart-engine entry points a page exposes.
type EngineProbe struct {
	Engine      bool   `json:"engine"`
	MarkerAPI   bool   `json:"marker_api"`
	Translate   bool   `json:"translate_ui"`
	Injections  bool   `json:"injections"`
	Version     string `json:"version,omitempty"`
	MarkerCount int    `json:"marker_count"`
}

func jsReadSnapshot(engine string) string {
	return wrapJSEval(jsEnginePreamble(engine) + jsSnapshotHelper + `
return JSON.stringify({ok:true,data:_attribSnapshot(stx)});`)
}

func jsProbeEngine(engine string) string {
	return wrapJSEval(`
var stx = null;
try { stx = (` + engine + `); } catch (_) {}
var CIQ = window.CIQ || null;
var ms = (stx && stx.markers && stx.markers.attribution) || [];
return JSON.stringify({ok:true,data:{
  engine: !!stx,
  marker_api: !!(CIQ && typeof CIQ.Marker === "function"),
  translate_ui: !!(CIQ && CIQ.I18N && typeof CIQ.I18N.translateUI === "function"),
  injections: !!(stx && typeof stx.append === "function"),
  version: String((CIQ && CIQ.version) || ""),
  marker_count: ms.length
}});`)
}

// jsInstallDatasetHook appends a createDataSet injection that sends a JSON
// snapshot to window[binding]. The injection id is kept in the registry so a
// second install for the same binding returns already_present.
func jsInstallDatasetHook(engine, binding string) string {
	b := jsString(binding)
	return wrapJSEval(jsEnginePreamble(engine) + jsSnapshotHelper + `
if (typeof stx.append !== "function") {
  return JSON.stringify({ok:false,error_code:"` + CodeAPIUnavailable + `",error_message:"chart engine has no injection support"});
}
if (typeof window[` + b + `] !== "function") {
  return JSON.stringify({ok:false,error_code:"` + CodeAPIUnavailable + `",error_message:"binding not exposed: " + ` + b + `});
}
var hook = reg.hooks[` + b + `];
if (hook && hook.stx === stx) {
  return JSON.stringify({ok:true,data:{installed:true,binding:` + b + `,already_present:true}});
}
var snap = _attribSnapshot;
var id = stx.append("createDataSet", function() {
  try { window[` + b + `](JSON.stringify(snap(this))); } catch (_) {}
});
reg.hooks[` + b + `] = {stx:stx,id:id};
return JSON.stringify({ok:true,data:{installed:true,binding:` + b + `}});`)
}

func jsRemoveDatasetHook(engine, binding string) string {
	b := jsString(binding)
	return wrapJSEval(jsEnginePreamble(engine) + `
var hook = reg.hooks[` + b + `];
if (hook) {
  if (typeof hook.stx.removeInjection === "function") hook.stx.removeInjection(hook.id);
  delete reg.hooks[` + b + `];
}
return JSON.stringify({ok:true,data:{installed:false,binding:` + b + `}});`)
}

// jsInstantiate builds a detached node from the template markup and files it
// under a fresh node id.
func jsInstantiate(markup string) string {
	return wrapJSEval(jsRegistry + `
var tpl = document.createElement("template");
tpl.innerHTML = ` + jsString(markup) + `;
var node = tpl.content.firstElementChild;
if (!node) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"template has no root element"});
}
node = node.cloneNode(true);
var id = "attrib_node_" + (++reg.seq);
reg.nodes[id] = node;
return JSON.stringify({ok:true,data:{node_id:id}});`)
}

func jsRegisterMarker(engine string, m overlay.Marker) string {
	return wrapJSEval(jsEnginePreamble(engine) + `
if (!CIQ || typeof CIQ.Marker !== "function") {
  return JSON.stringify({ok:false,error_code:"` + CodeAPIUnavailable + `",error_message:"CIQ.Marker unavailable"});
}
var node = reg.nodes[` + jsString(string(m.Node)) + `];
if (!node) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"unknown node"});
}
var marker = new CIQ.Marker({
  stx: stx,
  node: node,
  xPositioner: ` + jsString(m.XPositioner) + `,
  yPositioner: ` + jsString(m.YPositioner) + `,
  label: ` + jsString(m.Label) + `,
  panelName: ` + jsString(m.PanelName) + `
});
var id = "attrib_marker_" + (++reg.seq);
reg.markers[id] = {marker:marker,node:` + jsString(string(m.Node)) + `};
return JSON.stringify({ok:true,data:{marker_id:id}});`)
}

func jsSetRegionHTML(node overlay.NodeID, region, html string) string {
	return wrapJSEval(jsRegistry + `
var node = reg.nodes[` + jsString(string(node)) + `];
if (!node) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"unknown node"});
}
var el = node.querySelector(` + jsString(region) + `);
if (!el) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"region not found: " + ` + jsString(region) + `});
}
el.innerHTML = ` + jsString(html) + `;
return JSON.stringify({ok:true,data:{}});`)
}

func jsTranslateUI(node overlay.NodeID) string {
	return wrapJSEval(jsRegistry + `
var node = reg.nodes[` + jsString(string(node)) + `];
if (!node) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"unknown node"});
}
var CIQ = window.CIQ || null;
if (CIQ && CIQ.I18N && typeof CIQ.I18N.translateUI === "function") CIQ.I18N.translateUI(null, node);
return JSON.stringify({ok:true,data:{}});`)
}

func jsRemoveMarker(marker overlay.MarkerID) string {
	return wrapJSEval(jsRegistry + `
var entry = reg.markers[` + jsString(string(marker)) + `];
if (!entry) {
  return JSON.stringify({ok:false,error_code:"` + CodeValidation + `",error_message:"unknown marker"});
}
if (entry.marker && typeof entry.marker.remove === "function") entry.marker.remove();
delete reg.markers[` + jsString(string(marker)) + `];
delete reg.nodes[entry.node];
return JSON.stringify({ok:true,data:{}});`)
}

// jsDiscardNode drops an unregistered node. Unknown ids succeed.
func jsDiscardNode(node overlay.NodeID) string {
	return wrapJSEval(jsRegistry + `
delete reg.nodes[` + jsString(string(node)) + `];
return JSON.stringify({ok:true,data:{}});`)
}

// SnapshotScript returns the expression that reads a chart snapshot. It
// evaluates to a JSON envelope string; pass the result to DecodeSnapshot.
func SnapshotScript(engine string) string { return jsReadSnapshot(engine) }

// ProbeScript returns the expression reporting an EngineProbe envelope.
func ProbeScript(engine string) string { return jsProbeEngine(engine) }

// DecodeSnapshot unpacks the envelope produced by SnapshotScript.
func DecodeSnapshot(raw string) (attribution.ChartSnapshot, error) {
	var out attribution.ChartSnapshot
	if err := decodeEnvelope(raw, &out); err != nil {
		return attribution.ChartSnapshot{}, err
	}
	return out, nil
}

// DecodeProbe unpacks the envelope produced by ProbeScript.
func DecodeProbe(raw string) (EngineProbe, error) {
	var out EngineProbe
	if err := decodeEnvelope(raw, &out); err != nil {
		return EngineProbe{}, err
	}
	return out, nil
}
