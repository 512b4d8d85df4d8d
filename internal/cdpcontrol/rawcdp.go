package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// BindingCalledEvent is the CDP event page code raises by calling a function
// that Runtime.addBinding installed.
const BindingCalledEvent = "Runtime.bindingCalled"

// BindingCall is the params object of a Runtime.bindingCalled event.
type BindingCall struct {
	Name      string `json:"name"`
	Payload   string `json:"payload"`
	ContextID int64  `json:"executionContextId"`
}

// DecodeBindingCall unpacks the params of a Runtime.bindingCalled event.
func DecodeBindingCall(params json.RawMessage) (BindingCall, error) {
	var call BindingCall
	if len(params) == 0 {
		return call, errors.New("rawcdp: empty bindingCalled params")
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return call, fmt.Errorf("rawcdp: decode bindingCalled: %w", err)
	}
	if call.Name == "" {
		return call, errors.New("rawcdp: bindingCalled without name")
	}
	return call, nil
}

// rawCDP speaks just enough CDP to evaluate JS and receive binding calls on
// chart tabs. It skips chromedp's session setup (auto-attach, target discovery,
// Page/DOM enable) so attaching never disturbs the page being annotated.
type rawCDP struct {
	httpBase string // e.g. "http://127.0.0.1:9220"

	mu   sync.Mutex // guards conn and serialises writes
	conn net.Conn
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// cdpFrame is one message read from the browser socket: a command response
// when ID is set, an event when Method is.
type cdpFrame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cdpRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"sessionId,omitempty"`
	Params    any    `json:"params,omitempty"`
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase:      strings.TrimRight(httpBase, "/"),
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	r.pendingMu.Lock()
	r.pending = make(map[int64]chan json.RawMessage)
	r.pendingMu.Unlock()
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// readLoop feeds frames from conn to route until the socket fails.
func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.failPending()
			return
		}
		r.route(data)
	}
}

// route hands a response to its waiter or an event to its handlers. Frames
// that do not decode are dropped.
func (r *rawCDP) route(data []byte) {
	var f cdpFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Debug("rawcdp undecodable frame", "error", err, "bytes", len(data))
		return
	}
	switch {
	case f.ID > 0:
		if ch, ok := r.takePending(f.ID); ok {
			ch <- json.RawMessage(data)
		}
	case f.Method != "":
		r.dispatchEvent(f.Method, f.SessionID, f.Params)
	}
}

func (r *rawCDP) addPending(id int64) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()
	return ch
}

func (r *rawCDP) takePending(id int64) (chan json.RawMessage, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return ch, ok
}

// failPending wakes every waiter with a closed channel.
func (r *rawCDP) failPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// call sends method on sessionID ("" for the browser target) and returns the
// result object of the response.
func (r *rawCDP) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("rawcdp: not connected")
	}

	req := cdpRequest{ID: r.seq.Add(1), Method: method, SessionID: sessionID, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := r.addPending(req.ID)
	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.takePending(req.ID)
		return nil, fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	var raw json.RawMessage
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rawcdp: connection closed")
		}
		raw = resp
	case <-ctx.Done():
		r.takePending(req.ID)
		return nil, ctx.Err()
	}

	var f cdpFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("rawcdp: decode %s response: %w", method, err)
	}
	if f.Error != nil {
		return nil, fmt.Errorf("rawcdp: %s: %s", method, f.Error.Message)
	}
	return f.Result, nil
}

// attachToTarget attaches a flat session to the given target.
func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	raw, err := r.call(ctx, "", "Target.attachToTarget", params)
	if err != nil {
		return "", err
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.SessionID == "" {
		return "", fmt.Errorf("rawcdp: attach %s: no session id", targetID)
	}
	return res.SessionID, nil
}

// detachFromTarget detaches from a session without closing the target.
func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}
	_, err := r.call(ctx, "", "Target.detachFromTarget", params)
	return err
}

// evaluate runs JS on the session and returns its string result. The
// attribution scripts always return a JSON envelope string.
func (r *rawCDP) evaluate(ctx context.Context, sessionID, js string) (string, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	raw, err := r.call(ctx, sessionID, "Runtime.evaluate", params)
	if err != nil {
		return "", err
	}
	return evalResult(raw)
}

func evalResult(raw json.RawMessage) (string, error) {
	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("rawcdp: decode eval: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("rawcdp: eval exception: %s", res.ExceptionDetails.Text)
	}
	var s string
	if err := json.Unmarshal(res.Result.Value, &s); err != nil {
		// Non-string values are handed back as JSON for decodeEnvelope to reject.
		return string(res.Result.Value), nil
	}
	return s, nil
}

// enableRuntime sends Runtime.enable on the session. Binding calls are only
// reported for sessions with the Runtime domain enabled.
func (r *rawCDP) enableRuntime(ctx context.Context, sessionID string) error {
	if _, err := r.call(ctx, sessionID, "Runtime.enable", nil); err != nil {
		return fmt.Errorf("rawcdp: runtime enable: %w", err)
	}
	return nil
}

// addBinding exposes window[name] on every context of the session. Calls from
// the page arrive as Runtime.bindingCalled events and survive reloads.
func (r *rawCDP) addBinding(ctx context.Context, sessionID, name string) error {
	return r.bindingCommand(ctx, sessionID, "Runtime.addBinding", name)
}

// removeBinding undoes addBinding. Existing window[name] references stay
// callable but no longer produce events.
func (r *rawCDP) removeBinding(ctx context.Context, sessionID, name string) error {
	return r.bindingCommand(ctx, sessionID, "Runtime.removeBinding", name)
}

func (r *rawCDP) bindingCommand(ctx context.Context, sessionID, method, name string) error {
	params := struct {
		Name string `json:"name"`
	}{Name: name}
	if _, err := r.call(ctx, sessionID, method, params); err != nil {
		return fmt.Errorf("rawcdp: %s %s: %w", method, name, err)
	}
	return nil
}

// registerEventHandler registers a handler for a CDP event method such as
// BindingCalledEvent. Handlers run on the read loop and must not block on
// further CDP round trips. Returns an unregister function.
func (r *rawCDP) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.eventMu.Lock()
	r.eventHandlers[method] = append(r.eventHandlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()
	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		hs := r.eventHandlers[method]
		for i, h := range hs {
			if h.id == id {
				r.eventHandlers[method] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// dispatchEvent invokes all registered handlers for the given CDP event method.
func (r *rawCDP) dispatchEvent(method, sessionID string, params json.RawMessage) {
	r.eventMu.RLock()
	hs := append([]eventHandler(nil), r.eventHandlers[method]...)
	r.eventMu.RUnlock()
	for _, h := range hs {
		h.fn(sessionID, params)
	}
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := r.getJSON(ctx, "/json/list", 10*time.Second, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := r.getJSON(ctx, "/json/version", 5*time.Second, &info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("rawcdp: empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

// getJSON decodes the body of a GET on the browser's HTTP discovery endpoint.
func (r *rawCDP) getJSON(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rawcdp: %s: HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rawcdp: decode %s: %w", path, err)
	}
	return nil
}
