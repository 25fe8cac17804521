package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
)

// GlobalTimeout is the safety-net deadline for the entire scan pipeline.
// The effective deadline is never below the configured NLP timeout.
const GlobalTimeout = 60 * time.Millisecond

// AllowlistApplier rewrites BLOCK results that match an operator
// suppression rule. Implemented by the allowlist package; declared here so
// the gate does not depend on it.
type AllowlistApplier interface {
	// Apply returns the result unchanged or rewritten to ALLOW_SUPPRESSED.
	// It must never panic outward.
	Apply(result Result, content string) Result
}

// LatencyRecorder receives scan wall-time measurements.
type LatencyRecorder interface {
	Record(durationMs float64)
}

// Gate is the single entry point for all scan operations. Its invariants:
// it always returns a Result, never panics, and completes within the
// global timeout. On any pipeline fault it fails closed with a system
// BLOCK.
type Gate struct {
	engine    *Engine
	allowlist AllowlistApplier
	latency   LatencyRecorder
	logger    *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAllowlist attaches the allowlist applier.
func WithAllowlist(a AllowlistApplier) GateOption {
	return func(g *Gate) { g.allowlist = a }
}

// WithLatencyRecorder attaches the scan latency tracker.
func WithLatencyRecorder(r LatencyRecorder) GateOption {
	return func(g *Gate) { g.latency = r }
}

// NewGate wraps the engine in the fail-safe gate.
func NewGate(engine *Engine, logger *slog.Logger, opts ...GateOption) *Gate {
	g := &Gate{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Regex exposes the engine's regex fast path for the streaming scanner,
// which scans windows directly without the NLP pipeline.
func (g *Gate) Regex() *RegexEngine {
	return g.engine.regex
}

// scanOutcome carries the pipeline result across the timeout boundary.
type scanOutcome struct {
	result Result
	err    error
}

// ScanOrBlock runs the pipeline under the global deadline and maps every
// failure mode to a BLOCK:
//
//   - pipeline panic or unexpected error  -> SCANNER_ERROR
//   - worker not initialized / dead       -> SCANNER_UNAVAILABLE
//   - deadline exceeded                   -> SCANNER_TIMEOUT
//
// On a policy BLOCK with an allowlist attached, matching entries rewrite
// the result to ALLOW_SUPPRESSED. The allowlist never sees ALLOW results
// and never sees system blocks. Elapsed time is recorded to the latency
// tracker regardless of outcome.
func (g *Gate) ScanOrBlock(ctx context.Context, content, scanID string, auditCtx *AuditContext) Result {
	start := time.Now()
	defer g.recordLatency(start)

	deadline := GlobalTimeout
	if t := g.engine.Timeout(); t > deadline {
		deadline = t
	}
	scanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	outcome := make(chan scanOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("scan pipeline panic, blocking",
					"scan_id", scanID,
					"panic", r,
				)
				outcome <- scanOutcome{result: BlockSystem(scanID, RuleScannerError)}
			}
		}()
		result, err := g.engine.scanRequest(scanCtx, content, scanID, auditCtx)
		outcome <- scanOutcome{result: result, err: err}
	}()

	var result Result
	select {
	case o := <-outcome:
		switch {
		case o.err == nil:
			result = o.result
		case errors.Is(o.err, context.DeadlineExceeded):
			g.logger.Error("scan timeout, blocking",
				"scan_id", scanID,
				"timeout_ms", deadline.Milliseconds(),
			)
			return BlockSystem(scanID, RuleScannerTimeout)
		case errors.Is(o.err, nlp.ErrWorkerNotInitialized), errors.Is(o.err, nlp.ErrWorkerUnavailable):
			g.logger.Error("nlp worker unavailable, blocking",
				"scan_id", scanID,
				"error", o.err,
			)
			return BlockSystem(scanID, RuleScannerUnavailable)
		default:
			g.logger.Error("scan pipeline error, blocking",
				"scan_id", scanID,
				"error", o.err,
			)
			return BlockSystem(scanID, RuleScannerError)
		}
	case <-scanCtx.Done():
		g.logger.Error("global scan timeout, blocking",
			"scan_id", scanID,
			"timeout_ms", deadline.Milliseconds(),
		)
		return BlockSystem(scanID, RuleScannerTimeout)
	}

	if result.Action == ActionBlock && !IsSystemRule(result.RuleID) && g.allowlist != nil {
		result = g.applyAllowlist(result, content)
	}
	return result
}

// applyAllowlist shields the gate from a misbehaving applier: on panic the
// original BLOCK stands.
func (g *Gate) applyAllowlist(result Result, content string) (out Result) {
	out = result
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("allowlist apply panic, keeping block",
				"scan_id", result.ScanID,
				"panic", r,
			)
			out = result
		}
	}()
	return g.allowlist.Apply(result, content)
}

// recordLatency is best-effort: a failing tracker never affects the scan.
func (g *Gate) recordLatency(start time.Time) {
	if g.latency == nil {
		return
	}
	defer func() { _ = recover() }()
	g.latency.Record(float64(time.Since(start).Microseconds()) / 1000.0)
}
