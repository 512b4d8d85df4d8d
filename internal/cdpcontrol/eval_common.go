package cdpcontrol

import "encoding/json"

// registryGlobal holds the nodes, markers and hooks this package creates on a
// page so later evaluations can find them by id.
const registryGlobal = "window.__tvAttrib"

const jsRegistry = `
var reg = ` + registryGlobal + ` || (` + registryGlobal + ` = {seq:0,nodes:{},markers:{},hooks:{}});`

// jsEnginePreamble resolves the chart engine and CIQ namespace. engine is a JS
// expression taken from configuration, e.g. "window.stxx".
func jsEnginePreamble(engine string) string {
	return `
var stx = null;
try { stx = (` + engine + `); } catch (_) {}
if (!stx) {
  return JSON.stringify({ok:false,error_code:"` + CodeAPIUnavailable + `",error_message:"chart engine not found"});
}
var CIQ = window.CIQ || null;` + jsRegistry
}

// jsSnapshotHelper provides _attribSnapshot(stx), shared by the snapshot read
// and the dataset hook so both report the same shape.
const jsSnapshotHelper = `
function _attribSnapshot(stx) {
  var out = {provenance:null,studies:[],panels:[],markers:[]};
  var a = stx.chart && stx.chart.attribution;
  if (a) out.provenance = {source:String(a.source||""),exchange:String(a.exchange||"")};
  var ls = (stx.layout && stx.layout.studies) || {};
  for (var id in ls) {
    if (!Object.prototype.hasOwnProperty.call(ls, id)) continue;
    var sd = ls[id] || {};
    out.studies.push({id:id,type:String(sd.type||""),panel:String(sd.panel||"")});
  }
  var ps = stx.panels || {};
  for (var pn in ps) {
    if (Object.prototype.hasOwnProperty.call(ps, pn)) out.panels.push(pn);
  }
  var ms = (stx.markers && stx.markers.attribution) || [];
  for (var i = 0; i < ms.length; i++) {
    var p = (ms[i] && ms[i].params) || {};
    out.markers.push({panel_name:String(p.panelName||""),label:String(p.label||"attribution")});
  }
  return out;
}
`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// wrapJSEval wraps body in an IIFE whose thrown errors come back as an
// EVAL_FAILURE envelope.
func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}
