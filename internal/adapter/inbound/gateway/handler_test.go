package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/allowlist"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/auth"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
	"github.com/AntimatterEnterprises/ongarde/internal/health"
	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
)

var ulidPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// collectingAuditor records emitted audit events.
type collectingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *collectingAuditor) Emit(event audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectingAuditor) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Event(nil), c.events...)
}

// upstreamRecord captures what the mock upstream observed.
type upstreamRecord struct {
	mu       sync.Mutex
	requests int
	body     []byte
	header   http.Header
	path     string
}

func (u *upstreamRecord) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests
}

type proxyFixture struct {
	router   http.Handler
	auditor  *collectingAuditor
	upstream *upstreamRecord
	tracker  *health.StreamingMetricsTracker
}

// newProxyFixture wires a regex-only proxy in front of the given upstream
// handler. A nil upstreamHandler mocks a plain 200 JSON upstream.
func newProxyFixture(t *testing.T, upstreamHandler http.HandlerFunc, opts ...func(*fixtureConfig)) *proxyFixture {
	t.Helper()

	cfg := &fixtureConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	record := &upstreamRecord{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		record.mu.Lock()
		record.requests++
		record.body = body
		record.header = r.Header.Clone()
		record.path = r.URL.Path
		record.mu.Unlock()

		if upstreamHandler != nil {
			upstreamHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ratelimit-Remaining-Requests", "99")
		_, _ = w.Write([]byte(`{"result":"mocked"}`))
	}))
	t.Cleanup(server.Close)

	upstreamURL := server.URL
	if cfg.deadUpstream {
		server.Close()
	}
	if cfg.upstreamURL != "" {
		upstreamURL = cfg.upstreamURL
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := scan.NewEngine(scan.NewRegexEngine(), nil, logger)

	gateOpts := []scan.GateOption{}
	if cfg.allowlistYAML != "" {
		store := allowlist.NewStore(logger)
		path := filepath.Join(t.TempDir(), "allowlist.yaml")
		if err := os.WriteFile(path, []byte(cfg.allowlistYAML), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Load(path); err != nil {
			t.Fatal(err)
		}
		gateOpts = append(gateOpts, scan.WithAllowlist(store))
	}
	gate := scan.NewGate(engine, logger, gateOpts...)

	auditor := &collectingAuditor{}
	tracker := health.NewStreamingMetricsTracker()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handlerOpts := []HandlerOption{}
	if cfg.worker != nil {
		handlerOpts = append(handlerOpts, WithNLPWorker(cfg.worker))
	}
	handler := NewHandler(
		Upstreams{OpenAI: upstreamURL, Anthropic: upstreamURL},
		gate,
		auth.NewAPIKeyAuthenticator(nil),
		auditor,
		tracker,
		metrics,
		logger,
		handlerOpts...,
	)

	router := NewRouter(handler, HealthState{
		Latency:     health.NewScanLatencyTracker(),
		Streaming:   tracker,
		Calibration: scan.ConservativeFallback("test"),
	}, registry, logger)

	return &proxyFixture{router: router, auditor: auditor, upstream: record, tracker: tracker}
}

type fixtureConfig struct {
	deadUpstream  bool
	upstreamURL   string
	allowlistYAML string
	worker        nlp.Worker
}

func withDeadUpstream() func(*fixtureConfig) { return func(c *fixtureConfig) { c.deadUpstream = true } }
func withAllowlist(y string) func(*fixtureConfig) {
	return func(c *fixtureConfig) { c.allowlistYAML = y }
}

// newProxyFixtureWithWorker wires a fixture whose streaming path runs
// advisory NLP scans through the given worker.
func newProxyFixtureWithWorker(t *testing.T, upstreamHandler http.HandlerFunc, worker nlp.Worker) *proxyFixture {
	t.Helper()
	return newProxyFixture(t, upstreamHandler, func(c *fixtureConfig) { c.worker = worker })
}

func (f *proxyFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

type blockBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
	OnGarde struct {
		Blocked         bool    `json:"blocked"`
		RuleID          *string `json:"rule_id"`
		RiskLevel       *string `json:"risk_level"`
		ScanID          string  `json:"scan_id"`
		RedactedExcerpt *string `json:"redacted_excerpt"`
		SuppressionHint *string `json:"suppression_hint"`
		Test            bool    `json:"test"`
	} `json:"ongarde"`
}

func decodeBlock(t *testing.T, rec *httptest.ResponseRecorder) blockBody {
	t.Helper()
	var body blockBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("block body does not parse: %v\n%s", err, rec.Body.String())
	}
	return body
}

func TestProxy_BlocksCredential(t *testing.T) {
	f := newProxyFixture(t, nil)

	secret := "sk-ant-api03-" + strings.Repeat("A", 93)
	rec := f.post(t, "/v1/chat/completions", `{"messages":[{"role":"user","content":"`+secret+`"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Header().Get(BlockHeader); got != "true" {
		t.Errorf("block header = %q, want true", got)
	}
	if !ulidPattern.MatchString(rec.Header().Get(ScanIDHeader)) {
		t.Errorf("scan id header = %q", rec.Header().Get(ScanIDHeader))
	}

	body := decodeBlock(t, rec)
	if body.Error.Code != "policy_violation" || body.Error.Type != "ongarde_block" {
		t.Errorf("error envelope = %+v", body.Error)
	}
	if body.OnGarde.RuleID == nil || *body.OnGarde.RuleID != scan.RuleCredentialDetected {
		t.Errorf("rule id = %v", body.OnGarde.RuleID)
	}
	if body.OnGarde.RiskLevel == nil || *body.OnGarde.RiskLevel != "CRITICAL" {
		t.Errorf("risk level = %v", body.OnGarde.RiskLevel)
	}
	if strings.Contains(rec.Body.String(), "sk-ant-api03-") {
		t.Error("raw credential leaked into the block response body")
	}
	if body.OnGarde.SuppressionHint == nil {
		t.Fatal("suppression hint missing")
	}
	var hint struct {
		Allowlist []struct {
			RuleID string `yaml:"rule_id"`
		} `yaml:"allowlist"`
	}
	if err := yaml.Unmarshal([]byte(*body.OnGarde.SuppressionHint), &hint); err != nil {
		t.Fatalf("hint does not parse: %v", err)
	}
	if len(hint.Allowlist) != 1 || hint.Allowlist[0].RuleID != scan.RuleCredentialDetected {
		t.Errorf("hint rule = %+v", hint.Allowlist)
	}

	// The upstream must never see a blocked request.
	if got := f.upstream.count(); got != 0 {
		t.Errorf("upstream saw %d requests, want 0", got)
	}

	events := f.auditor.all()
	if len(events) != 1 || events[0].Action != "BLOCK" || events[0].Direction != audit.DirectionRequest {
		t.Errorf("audit events = %+v", events)
	}
}

func TestProxy_ForwardsCleanRequest(t *testing.T) {
	f := newProxyFixture(t, nil)

	reqBody := `{"messages":[{"role":"user","content":"What is the capital of France?"}]}`
	rec := f.post(t, "/v1/chat/completions", reqBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"result":"mocked"}` {
		t.Errorf("body = %s", rec.Body.String())
	}
	if got := rec.Header().Get(BlockHeader); got != "" {
		t.Errorf("clean forward must not carry the block header, got %q", got)
	}
	if got := rec.Header().Get("X-Ratelimit-Remaining-Requests"); got != "99" {
		t.Errorf("ratelimit header lost: %q", got)
	}

	if got := f.upstream.count(); got != 1 {
		t.Fatalf("upstream saw %d requests, want 1", got)
	}
	// Byte-identity: the upstream receives exactly the bytes the agent
	// sent.
	if string(f.upstream.body) != reqBody {
		t.Errorf("upstream body = %s", f.upstream.body)
	}
	if !ulidPattern.MatchString(f.upstream.header.Get(ScanIDHeader)) {
		t.Errorf("upstream scan id header = %q", f.upstream.header.Get(ScanIDHeader))
	}

	// Clean ALLOW requests emit no audit event.
	if events := f.auditor.all(); len(events) != 0 {
		t.Errorf("unexpected audit events: %+v", events)
	}
}

func TestProxy_TestCredential(t *testing.T) {
	f := newProxyFixture(t, nil)

	rec := f.post(t, "/v1/chat/completions", `{"content":"sk-ongarde-test-fake-key-12345"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBlock(t, rec)
	if !body.OnGarde.Test {
		t.Error("ongarde.test must be true for the well-known test credential")
	}
	if strings.Contains(rec.Body.String(), "sk-ongarde-test-fake-key-12345") {
		t.Error("test credential leaked into the response body")
	}
}

func TestProxy_DangerousCommand(t *testing.T) {
	f := newProxyFixture(t, nil)

	rec := f.post(t, "/v1/chat/completions", `{"content":"rm -rf /"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBlock(t, rec)
	if body.OnGarde.RuleID == nil || *body.OnGarde.RuleID != scan.RuleDangerousCommandDetected {
		t.Errorf("rule id = %v", body.OnGarde.RuleID)
	}
}

func TestProxy_UpstreamUnavailable(t *testing.T) {
	f := newProxyFixture(t, nil, withDeadUpstream())

	rec := f.post(t, "/v1/chat/completions", `{"messages":[]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	// The one bit clients branch on: 502 never carries the block header.
	if _, present := rec.Result().Header[BlockHeader]; present {
		t.Error("block header must be absent on gateway errors")
	}
	if !ulidPattern.MatchString(rec.Header().Get(ScanIDHeader)) {
		t.Errorf("scan id header = %q", rec.Header().Get(ScanIDHeader))
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "upstream_unavailable" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestProxy_UpstreamErrorPassthrough(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "21")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	rec := f.post(t, "/v1/chat/completions", `{"messages":[]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, upstream 429 must pass through", rec.Code)
	}
	if _, present := rec.Result().Header[BlockHeader]; present {
		t.Error("block header must be absent on upstream errors")
	}
	if got := rec.Header().Get("Retry-After"); got != "21" {
		t.Errorf("retry-after = %q", got)
	}
}

func TestProxy_NotFoundOutsideV1(t *testing.T) {
	f := newProxyFixture(t, nil)

	for _, path := range []string{"/v2/chat", "/admin", "/metrics2"} {
		rec := f.post(t, path, "{}")
		if rec.Code != http.StatusNotFound {
			t.Errorf("POST %s status = %d, want 404", path, rec.Code)
		}
	}
	if got := f.upstream.count(); got != 0 {
		t.Errorf("upstream saw %d requests for unproxied paths", got)
	}
}

func TestProxy_AnthropicRouting(t *testing.T) {
	f := newProxyFixture(t, nil)

	rec := f.post(t, "/v1/messages", `{"messages":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.upstream.path != "/v1/messages" {
		t.Errorf("upstream path = %q", f.upstream.path)
	}
}

func TestProxy_ResponseScanBlocks(t *testing.T) {
	secret := "sk-ant-api03-" + strings.Repeat("B", 93)
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"here is a key: ` + secret + `"}`))
	})

	rec := f.post(t, "/v1/chat/completions", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, leaked response must be blocked", rec.Code)
	}
	if got := rec.Header().Get(BlockHeader); got != "true" {
		t.Errorf("block header = %q", got)
	}
	if strings.Contains(rec.Body.String(), secret) {
		t.Error("upstream credential leaked through the block response")
	}

	events := f.auditor.all()
	if len(events) != 1 || events[0].Direction != audit.DirectionResponse {
		t.Errorf("audit events = %+v", events)
	}
}

func TestProxy_AllowlistSuppression(t *testing.T) {
	f := newProxyFixture(t, nil, withAllowlist("- rule_id: CREDENTIAL_DETECTED\n  note: CI fixture\n"))

	secret := "sk-ant-api03-" + strings.Repeat("A", 93)
	rec := f.post(t, "/v1/chat/completions", `{"content":"`+secret+`"}`)

	// Suppressed blocks forward normally.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a suppressed block", rec.Code)
	}
	if got := f.upstream.count(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1", got)
	}

	// But the suppression is always audited.
	events := f.auditor.all()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].Action != string(scan.ActionAllowSuppressed) {
		t.Errorf("audit action = %s", events[0].Action)
	}
	if events[0].AllowlistRuleID != scan.RuleCredentialDetected {
		t.Errorf("allowlist rule id = %q", events[0].AllowlistRuleID)
	}
	if events[0].RuleID != scan.RuleCredentialDetected {
		t.Errorf("original rule id = %q", events[0].RuleID)
	}
}

func TestProxy_BodyTooLarge(t *testing.T) {
	f := newProxyFixture(t, nil)

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("x"))
	r.Header.Set("Content-Length", "2000000")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if got := f.upstream.count(); got != 0 {
		t.Errorf("upstream saw %d requests for an oversized body", got)
	}
}

func TestProxy_HealthEndpoints(t *testing.T) {
	f := newProxyFixture(t, nil)

	for _, path := range []string{"/health", "/health/scanner", "/metrics"} {
		r := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, r)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
}
