package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
)

var (
	chartURLPattern = regexp.MustCompile(`/chart/([^/?#]+)/?`)
	bindingPattern  = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

type tabSession struct {
	info ChartInfo

	mu        sync.Mutex
	sessionID string          // CDP session ID from Target.attachToTarget
	runtimeOn bool            // Runtime.enable sent on sessionID
	bindings  map[string]bool // bindings added on sessionID
}

type clientHandler struct {
	method string
	fn     func(sessionID string, params json.RawMessage)
	unreg  func()
}

// Client tracks chart tabs of one browser and evaluates JS on them.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu            sync.Mutex
	cdp           *rawCDP
	tabs          map[target.ID]*tabSession
	chartToTarget map[string]target.ID
	handlers      map[int64]*clientHandler
	handlerSeq    int64

	chartLocksMu sync.Mutex
	chartLocks   map[string]*sync.Mutex

	// sessMu guards the session index and the wanted bindings. It is the
	// only lock event handlers on the read loop may take.
	sessMu        sync.RWMutex
	sessionCharts map[string]string          // session ID -> chart ID
	bindings      map[string]map[string]bool // chart ID -> binding names
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:        cdpURL,
		tabFilter:     strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout:   evalTimeout,
		tabs:          make(map[target.ID]*tabSession),
		chartToTarget: make(map[string]target.ID),
		handlers:      make(map[int64]*clientHandler),
		chartLocks:    make(map[string]*sync.Mutex),
		sessionCharts: make(map[string]string),
		bindings:      make(map[string]map[string]bool),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	for _, h := range c.handlers {
		h.unreg = c.cdp.registerEventHandler(h.method, h.fn)
	}
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for _, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "session_id", session.sessionID, "error", err)
				}
				cancel()
				c.resetSessionLocked(session)
			}
			session.mu.Unlock()
		}
		for _, h := range c.handlers {
			if h.unreg != nil {
				h.unreg()
				h.unreg = nil
			}
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.chartToTarget = make(map[string]target.ID)
}

func (c *Client) ListCharts(ctx context.Context) ([]ChartInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list charts failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	charts := make([]ChartInfo, 0, len(c.tabs))
	for _, s := range c.tabs {
		if s != nil {
			charts = append(charts, s.info)
		}
	}
	c.mu.Unlock()

	sort.Slice(charts, func(i, j int) bool {
		return charts[i].ChartID < charts[j].ChartID
	})
	slog.Debug("cdpcontrol list charts", "count", len(charts))
	return charts, nil
}

// RegisterCDPEventHandler subscribes fn to a CDP event method. The
// registration outlives reconnects. fn runs on the CDP read loop: it may call
// ChartForSession but must not evaluate anything.
func (c *Client) RegisterCDPEventHandler(method string, fn func(sessionID string, params json.RawMessage)) (func(), error) {
	if strings.TrimSpace(method) == "" || fn == nil {
		return nil, newError(CodeValidation, "event method and handler are required", nil)
	}

	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	h := &clientHandler{method: method, fn: fn}
	if c.cdp != nil {
		h.unreg = c.cdp.registerEventHandler(method, fn)
	}
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if h, ok := c.handlers[id]; ok {
			if h.unreg != nil {
				h.unreg()
			}
			delete(c.handlers, id)
		}
	}, nil
}

// ChartForSession maps a CDP session ID back to the chart it is attached to.
func (c *Client) ChartForSession(sessionID string) (string, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	id, ok := c.sessionCharts[sessionID]
	return id, ok
}

// ExposeBinding makes window[name] available on the chart page, now and after
// any later re-attach.
func (c *Client) ExposeBinding(ctx context.Context, chartID, name string) error {
	chartID = strings.TrimSpace(chartID)
	if chartID == "" {
		return newError(CodeChartNotFound, "chart id is required", nil)
	}
	if !bindingPattern.MatchString(name) {
		return newError(CodeValidation, "invalid binding name: "+name, nil)
	}

	c.sessMu.Lock()
	if c.bindings[chartID] == nil {
		c.bindings[chartID] = make(map[string]bool)
	}
	c.bindings[chartID][name] = true
	c.sessMu.Unlock()

	lock := c.chartLock(chartID)
	lock.Lock()
	defer lock.Unlock()

	session, info, err := c.resolveChartSession(ctx, chartID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	if _, err := c.ensureSession(ctx, cdp, session, info.TargetID); err != nil {
		return err
	}
	slog.Debug("cdpcontrol binding exposed", "chart_id", chartID, "binding", name)
	return nil
}

// RemoveBinding stops binding events for name on the chart.
func (c *Client) RemoveBinding(ctx context.Context, chartID, name string) error {
	c.sessMu.Lock()
	delete(c.bindings[chartID], name)
	if len(c.bindings[chartID]) == 0 {
		delete(c.bindings, chartID)
	}
	c.sessMu.Unlock()

	session, _, found := c.lookupChartSession(chartID)
	if !found {
		return nil
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.sessionID == "" || !session.bindings[name] {
		return nil
	}
	delete(session.bindings, name)
	if err := cdp.removeBinding(ctx, session.sessionID, name); err != nil {
		return newError(CodeEvalFailure, "remove binding failed", err)
	}
	return nil
}

// ReadSnapshot captures the attribution-relevant state of the chart engine.
func (c *Client) ReadSnapshot(ctx context.Context, chartID, engine string) (attribution.ChartSnapshot, error) {
	var out attribution.ChartSnapshot
	if err := c.evalOnChart(ctx, chartID, jsReadSnapshot(engine), &out); err != nil {
		return attribution.ChartSnapshot{}, err
	}
	return out, nil
}

// InstallDatasetHook appends a createDataSet injection that posts a snapshot
// through binding. Installing twice is a no-op.
func (c *Client) InstallDatasetHook(ctx context.Context, chartID, engine, binding string) (HookInfo, error) {
	if !bindingPattern.MatchString(binding) {
		return HookInfo{}, newError(CodeValidation, "invalid binding name: "+binding, nil)
	}
	var out HookInfo
	if err := c.evalOnChart(ctx, chartID, jsInstallDatasetHook(engine, binding), &out); err != nil {
		return HookInfo{}, err
	}
	return out, nil
}

// RemoveDatasetHook removes the injection added by InstallDatasetHook.
func (c *Client) RemoveDatasetHook(ctx context.Context, chartID, engine, binding string) error {
	return c.evalOnChart(ctx, chartID, jsRemoveDatasetHook(engine, binding), nil)
}

// ProbeEngine reports which chart-engine entry points the page exposes.
func (c *Client) ProbeEngine(ctx context.Context, chartID, engine string) (EngineProbe, error) {
	var out EngineProbe
	if err := c.evalOnChart(ctx, chartID, jsProbeEngine(engine), &out); err != nil {
		return EngineProbe{}, err
	}
	return out, nil
}

func (c *Client) evalOnChart(ctx context.Context, chartID, js string, out any) error {
	chartID = strings.TrimSpace(chartID)
	if chartID == "" {
		return newError(CodeChartNotFound, "chart id is required", nil)
	}

	lock := c.chartLock(chartID)
	lock.Lock()
	defer lock.Unlock()

	slog.Debug("cdpcontrol eval on chart", "chart_id", chartID)
	session, info, err := c.resolveChartSession(ctx, chartID)
	if err != nil {
		slog.Warn("cdpcontrol chart resolve failed", "chart_id", chartID, "error", err)
	} else {
		err = c.evalOnSession(ctx, session, info.TargetID, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol eval retry after transient failure", "chart_id", chartID, "error", err)
	if c.asCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "chart_id", chartID, "error", recErr)
			return recErr
		}
	} else {
		if syncErr := c.refreshTabs(ctx); syncErr != nil {
			slog.Warn("cdpcontrol tab refresh failed during retry", "chart_id", chartID, "error", syncErr)
		}
	}

	session, info, err = c.resolveChartSession(ctx, chartID)
	if err != nil {
		slog.Warn("cdpcontrol chart resolve failed (retry)", "chart_id", chartID, "error", err)
		return err
	}
	return c.evalOnSession(ctx, session, info.TargetID, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, targetID, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		c.resetSessionLocked(session)
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed,
// and makes sure the chart's bindings are present on it.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID == "" {
		sid, err := cdp.attachToTarget(ctx, targetID)
		if err != nil {
			return "", newError(CodeCDPUnavailable, "attach to target failed", err)
		}
		session.sessionID = sid
		session.runtimeOn = false
		session.bindings = make(map[string]bool)

		c.sessMu.Lock()
		c.sessionCharts[sid] = session.info.ChartID
		c.sessMu.Unlock()
		slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	}

	for _, name := range c.wantedBindings(session.info.ChartID) {
		if session.bindings[name] {
			continue
		}
		if !session.runtimeOn {
			if err := cdp.enableRuntime(ctx, session.sessionID); err != nil {
				return "", newError(CodeCDPUnavailable, "enable runtime failed", err)
			}
			session.runtimeOn = true
		}
		if err := cdp.addBinding(ctx, session.sessionID, name); err != nil {
			return "", newError(CodeCDPUnavailable, "add binding failed", err)
		}
		session.bindings[name] = true
	}
	return session.sessionID, nil
}

// resetSessionLocked forgets the session; session.mu must be held.
func (c *Client) resetSessionLocked(session *tabSession) {
	if session.sessionID != "" {
		c.sessMu.Lock()
		delete(c.sessionCharts, session.sessionID)
		c.sessMu.Unlock()
	}
	session.sessionID = ""
	session.runtimeOn = false
	session.bindings = nil
}

func (c *Client) wantedBindings(chartID string) []string {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	names := make([]string, 0, len(c.bindings[chartID]))
	for name := range c.bindings[chartID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) resolveChartSession(ctx context.Context, chartID string) (*tabSession, ChartInfo, error) {
	session, info, found := c.lookupChartSession(chartID)
	if found {
		return session, info, nil
	}

	if err := c.refreshTabs(ctx); err != nil {
		return nil, ChartInfo{}, err
	}

	session, info, found = c.lookupChartSession(chartID)
	if found {
		return session, info, nil
	}

	return nil, ChartInfo{}, newError(CodeChartNotFound, "chart not found: "+chartID, nil)
}

func (c *Client) lookupChartSession(chartID string) (*tabSession, ChartInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	targetID, ok := c.chartToTarget[chartID]
	if !ok {
		return nil, ChartInfo{}, false
	}
	session := c.tabs[targetID]
	if session == nil {
		return nil, ChartInfo{}, false
	}
	return session, session.info, true
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}

	return newError(CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return err
	}

	expected := make(map[target.ID]ChartInfo)
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if c.tabFilter != "" && !strings.Contains(strings.ToLower(t.URL), c.tabFilter) {
			continue
		}
		expected[t.TargetID] = ChartInfo{
			ChartID:  ChartIDFor(t),
			TargetID: string(t.TargetID),
			URL:      t.URL,
			Title:    t.Title,
		}
	}

	for targetID, session := range c.tabs {
		if _, ok := expected[targetID]; ok {
			continue
		}
		session.mu.Lock()
		c.resetSessionLocked(session)
		session.mu.Unlock()
		delete(c.tabs, targetID)
	}

	for targetID, info := range expected {
		session := c.tabs[targetID]
		if session != nil {
			session.info = info
			continue
		}
		c.tabs[targetID] = &tabSession{info: info}
	}

	c.chartToTarget = make(map[string]target.ID, len(c.tabs))
	for targetID, session := range c.tabs {
		if session == nil {
			continue
		}
		c.chartToTarget[session.info.ChartID] = targetID
	}

	// Prune chart locks for charts no longer present.
	c.chartLocksMu.Lock()
	for id := range c.chartLocks {
		if _, ok := c.chartToTarget[id]; !ok {
			delete(c.chartLocks, id)
		}
	}
	c.chartLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "charts", len(c.chartToTarget))
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) chartLock(chartID string) *sync.Mutex {
	c.chartLocksMu.Lock()
	defer c.chartLocksMu.Unlock()
	m, ok := c.chartLocks[chartID]
	if !ok {
		m = &sync.Mutex{}
		c.chartLocks[chartID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeChartNotFound:
		return false
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// ChartIDFor names a tab by its /chart/<id> path segment, falling back to the
// target ID for pages that embed a chart elsewhere.
func ChartIDFor(t *target.Info) string {
	if id := chartIDFromURL(t.URL); id != "" {
		return id
	}
	return string(t.TargetID)
}

func chartIDFromURL(url string) string {
	m := chartURLPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
