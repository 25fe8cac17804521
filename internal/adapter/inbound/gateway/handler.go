// Package gateway implements the OnGarde proxy engine: byte-identical
// request forwarding behind the scan gate, upstream routing, response
// scanning (buffered and streaming), and strict failure-mode separation.
package gateway

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/auth"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
	"github.com/AntimatterEnterprises/ongarde/internal/health"
	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
	"github.com/AntimatterEnterprises/ongarde/internal/scanid"
)

// MaxResponseBufferBytes is the threshold above which upstream responses
// are routed to the streaming scan path instead of being buffered.
const MaxResponseBufferBytes = 512 * 1024

// upstreamTimeout bounds the total upstream exchange.
const upstreamTimeout = 30 * time.Second

// Upstreams holds the configured upstream base URLs.
type Upstreams struct {
	// OpenAI serves every v1/* path except v1/messages.
	OpenAI string
	// Anthropic serves v1/messages and its sub-paths.
	Anthropic string
}

// AuditEmitter receives audit events fire-and-forget.
type AuditEmitter interface {
	Emit(event audit.Event)
}

// Handler is the proxy engine. It terminates the agent-facing request,
// runs the scan gate, and forwards to the selected upstream.
type Handler struct {
	upstreams     Upstreams
	gate          *scan.Gate
	worker        nlp.Worker
	authenticator auth.Authenticator
	auditor       AuditEmitter
	streaming     *health.StreamingMetricsTracker
	metrics       *Metrics
	tracer        trace.Tracer
	client        *http.Client
	logger        *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient overrides the upstream HTTP client (tests).
func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handler) { h.client = c }
}

// WithTracer attaches an OpenTelemetry tracer.
func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) { h.tracer = t }
}

// WithNLPWorker attaches the worker used for streaming advisory scans.
func WithNLPWorker(w nlp.Worker) HandlerOption {
	return func(h *Handler) { h.worker = w }
}

// NewHandler builds the proxy engine.
func NewHandler(
	upstreams Upstreams,
	gate *scan.Gate,
	authenticator auth.Authenticator,
	auditor AuditEmitter,
	streaming *health.StreamingMetricsTracker,
	metrics *Metrics,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		upstreams:     upstreams,
		gate:          gate,
		authenticator: authenticator,
		auditor:       auditor,
		streaming:     streaming,
		metrics:       metrics,
		tracer:        noop.NewTracerProvider().Tracer("ongarde"),
		logger:        logger,
		client: &http.Client{
			Timeout: upstreamTimeout,
			// 3xx passes through to the agent; the proxy never resolves
			// redirects on the agent's behalf.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// routeUpstream selects the upstream base URL for a normalized path
// ("v1/chat/completions" style, no leading slash).
func (h *Handler) routeUpstream(path string) string {
	if path == "v1/messages" || strings.HasPrefix(path, "v1/messages/") {
		return h.upstreams.Anthropic
	}
	return h.upstreams.OpenAI
}

// ServeHTTP is the proxy entry point.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Only v1/* paths are proxy targets; anything else 404s without
	// upstream contact.
	path := strings.TrimPrefix(r.URL.Path, "/")
	if !strings.HasPrefix(path, "v1/") && path != "v1" {
		h.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		writeNotFound(w, r.URL.Path)
		return
	}

	// The scan ID binds logs, audit, headers, and errors for this request.
	scanID := scanid.New()

	ctx, span := h.tracer.Start(r.Context(), "ongarde.proxy",
		trace.WithAttributes(
			attribute.String("ongarde.scan_id", scanID),
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
	defer span.End()

	// Auth runs before the scan gate: no scan cycles for unauthenticated
	// traffic.
	userID, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		writeUnauthorized(w)
		return
	}

	// Byte-identity requirement: the body is read once as raw bytes and
	// forwarded without parsing or reserialization. The size middleware
	// has already enforced the 1 MB cap.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("request body read failed", "scan_id", scanID, "error", err)
		writeInvalidContentLength(w)
		return
	}

	auditCtx := scan.NewAuditContext()
	auditCtx.Set("path", path)
	auditCtx.Set("method", r.Method)

	result := h.gate.ScanOrBlock(ctx, string(body), scanID, auditCtx)
	span.SetAttributes(
		attribute.String("ongarde.action", string(result.Action)),
		attribute.String("ongarde.rule_id", result.RuleID),
	)
	h.metrics.ScanDecisions.WithLabelValues(string(result.Action), audit.DirectionRequest).Inc()
	h.emitScanEvent(result, userID, audit.DirectionRequest, 0)

	if result.Action == scan.ActionBlock {
		h.logger.Info("request blocked",
			"scan_id", scanID,
			"rule_id", result.RuleID,
			"risk_level", result.RiskLevel,
			"path", path,
		)
		h.metrics.BlocksTotal.WithLabelValues(result.RuleID).Inc()
		h.observe(start, "blocked")
		writeBlockResponse(w, result)
		return
	}
	if result.Action == scan.ActionAllowSuppressed {
		h.logger.Info("block suppressed by allowlist",
			"scan_id", scanID,
			"rule_id", result.RuleID,
			"allowlist_rule_id", result.AllowlistRuleID,
			"path", path,
		)
	}

	upstreamURL := strings.TrimRight(h.routeUpstream(path), "/") + "/" + path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		// A malformed upstream URL is an operator misconfiguration, not a
		// connectivity failure and not a block.
		h.logger.Error("invalid upstream url",
			"scan_id", scanID,
			"upstream_url", upstreamURL,
			"error", err,
		)
		h.observe(start, "config_error")
		writeConfigError(w, scanID)
		return
	}
	outReq.Header = BuildUpstreamHeaders(r.Header, scanID)

	resp, err := h.client.Do(outReq)
	if err != nil {
		// Connection refused, DNS failure, timeout, protocol violation.
		// Never a block: the agent should apply its upstream-error retry
		// policy, so the block header stays absent.
		h.logger.Warn("upstream unavailable",
			"scan_id", scanID,
			"upstream_url", upstreamURL,
			"error", err,
		)
		h.metrics.UpstreamFailures.Inc()
		h.observe(start, "upstream_error")
		writeUpstreamUnavailable(w, scanID, errorKind(err))
		return
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	h.logger.Info("request proxied",
		"scan_id", scanID,
		"method", r.Method,
		"path", path,
		"status_code", resp.StatusCode,
	)

	agentHeaders := BuildAgentResponseHeaders(resp.Header)

	// Response routing: SSE and declared-large responses stream through
	// the window scanner; everything else is buffered and scanned once.
	contentType := resp.Header.Get("Content-Type")
	isSSE := strings.Contains(contentType, "text/event-stream")
	large := false
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > MaxResponseBufferBytes {
			large = true
		}
	}

	if isSSE || large {
		h.streamResponse(w, resp, scanID, userID, agentHeaders)
		h.observe(start, "forwarded")
		return
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("upstream body read failed", "scan_id", scanID, "error", err)
		h.metrics.UpstreamFailures.Inc()
		h.observe(start, "upstream_error")
		writeUpstreamUnavailable(w, scanID, "body read failed")
		return
	}

	if len(respBody) > 0 {
		respCtx := scan.NewAuditContext()
		respCtx.Set("path", path)
		respCtx.Set("direction", audit.DirectionResponse)

		respResult := h.gate.ScanOrBlock(ctx, string(respBody), scanID, respCtx)
		h.metrics.ScanDecisions.WithLabelValues(string(respResult.Action), audit.DirectionResponse).Inc()
		h.emitScanEvent(respResult, userID, audit.DirectionResponse, 0)

		if respResult.Action == scan.ActionBlock {
			h.logger.Info("response blocked",
				"scan_id", scanID,
				"rule_id", respResult.RuleID,
				"risk_level", respResult.RiskLevel,
			)
			h.metrics.BlocksTotal.WithLabelValues(respResult.RuleID).Inc()
			h.observe(start, "blocked")
			writeBlockResponse(w, respResult)
			return
		}
	}

	copyHeaders(w.Header(), agentHeaders)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		h.logger.Debug("agent response write failed", "scan_id", scanID, "error", err)
	}
	h.observe(start, "forwarded")
}

// emitScanEvent sends the audit event for a scan decision. Plain ALLOW on
// the request path produces no event; BLOCK and ALLOW_SUPPRESSED always
// do.
func (h *Handler) emitScanEvent(result scan.Result, userID, direction string, tokensDelivered int) {
	if result.Action == scan.ActionAllow {
		return
	}
	h.auditor.Emit(audit.Event{
		ScanID:          result.ScanID,
		Timestamp:       time.Now().UTC(),
		UserID:          userID,
		Action:          string(result.Action),
		Direction:       direction,
		RuleID:          result.RuleID,
		RiskLevel:       string(result.RiskLevel),
		RedactedExcerpt: result.RedactedExcerpt,
		AllowlistRuleID: result.AllowlistRuleID,
		Test:            result.Test,
		TokensDelivered: tokensDelivered,
	})
}

// observe records request metrics for one outcome.
func (h *Handler) observe(start time.Time, outcome string) {
	h.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	h.metrics.RequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// copyHeaders merges src into dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// errorKind condenses a transport error into a short operator-safe label.
func errorKind(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "connection refused"):
		return "connection_refused"
	case strings.Contains(s, "no such host"):
		return "dns_failure"
	case strings.Contains(s, "context deadline exceeded"), strings.Contains(s, "Client.Timeout"):
		return "timeout"
	case strings.Contains(s, "malformed"):
		return "protocol_error"
	default:
		return "connect_error"
	}
}
