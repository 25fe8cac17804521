package scan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
)

// advisoryTimeoutMultiplier scales the sync timeout for background advisory
// scans, which never gate the request.
const advisoryTimeoutMultiplier = 3

// AuditContext carries tracing metadata accumulated during a scan. Advisory
// scans complete after the request returns, so access is mutex-guarded.
type AuditContext struct {
	mu     sync.Mutex
	fields map[string]any
}

// NewAuditContext returns an empty context.
func NewAuditContext() *AuditContext {
	return &AuditContext{fields: make(map[string]any)}
}

// Set records a metadata field.
func (c *AuditContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[key] = value
}

// Get returns a metadata field and whether it was set.
func (c *AuditContext) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fields[key]
	return v, ok
}

// Snapshot returns a copy of all fields.
func (c *AuditContext) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// thresholds is the calibrated routing state. Written once at startup,
// then read on every request without further synchronization beyond the
// atomic pointer load.
type thresholds struct {
	syncCap int
	timeout time.Duration
}

// Engine is the internal scan pipeline. It is called only through the
// Gate; direct use skips the fail-safe guarantees.
type Engine struct {
	regex  *RegexEngine
	worker nlp.Worker
	logger *slog.Logger

	calibrated atomic.Pointer[thresholds]

	// advisory tracks in-flight background scans so shutdown and tests can
	// wait for them.
	advisory sync.WaitGroup
}

// NewEngine builds an engine with conservative default thresholds. A nil
// worker puts the engine in regex-only mode.
func NewEngine(regex *RegexEngine, worker nlp.Worker, logger *slog.Logger) *Engine {
	e := &Engine{regex: regex, worker: worker, logger: logger}
	e.calibrated.Store(&thresholds{syncCap: DefaultSyncCap, timeout: TimeoutMax})
	return e
}

// UpdateCalibration installs the calibrated thresholds. Called exactly once
// during startup, before the proxy accepts traffic; the write-once
// discipline is lifecycle-enforced, so a second call only logs.
func (e *Engine) UpdateCalibration(syncCap int, timeout time.Duration) {
	e.calibrated.Store(&thresholds{syncCap: syncCap, timeout: timeout})
	e.logger.Info("scan thresholds updated from calibration",
		"sync_cap", syncCap,
		"timeout_ms", timeout.Milliseconds(),
	)
}

// Timeout returns the per-operation NLP timeout currently in effect.
func (e *Engine) Timeout() time.Duration {
	return e.calibrated.Load().timeout
}

// WaitAdvisory blocks until all in-flight advisory scans finish.
func (e *Engine) WaitAdvisory() {
	e.advisory.Wait()
}

// scanRequest runs the pipeline: input cap, regex fast path, then NLP
// routed by the calibrated sync cap. Timeout and worker errors propagate to
// the Gate, which maps them to system blocks.
func (e *Engine) scanRequest(ctx context.Context, text, scanID string, auditCtx *AuditContext) (Result, error) {
	text, truncated := ApplyInputCap(text)
	if truncated {
		auditCtx.Set("input_truncated", true)
	}

	if rr := e.regex.Scan(text); rr.IsBlock {
		return Result{
			Action:          ActionBlock,
			ScanID:          scanID,
			RuleID:          rr.RuleID,
			RiskLevel:       rr.RiskLevel,
			RedactedExcerpt: MakeRedactedExcerpt(text, rr.Start, rr.End),
			SuppressionHint: MakeSuppressionHint(rr.RuleID, rr.MatchedSlug),
			Test:            rr.Test,
		}, nil
	}

	if e.worker != nil {
		th := e.calibrated.Load()
		switch {
		case th.syncCap > 0 && len(text) > 0 && len(text) <= th.syncCap:
			return e.syncNLPScan(ctx, text, scanID, th.timeout)
		case len(text) > 0:
			e.spawnAdvisoryScan(text, scanID, th.timeout, auditCtx)
		}
	}

	return Allow(scanID), nil
}

// syncNLPScan runs the worker with the calibrated timeout. A deadline
// expiry surfaces as context.DeadlineExceeded, mapped to SCANNER_TIMEOUT by
// the Gate.
func (e *Engine) syncNLPScan(ctx context.Context, text, scanID string, timeout time.Duration) (Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entities, err := e.worker.Scan(scanCtx, text)
	if err != nil {
		return Result{}, err
	}
	if len(entities) == 0 {
		return Allow(scanID), nil
	}
	return makeEntityBlockResult(entities, text, scanID), nil
}

// spawnAdvisoryScan runs the worker in the background with a generous
// budget. The result enriches the audit context but never gates the
// request.
func (e *Engine) spawnAdvisoryScan(text, scanID string, timeout time.Duration, auditCtx *AuditContext) {
	e.advisory.Add(1)
	go func() {
		defer e.advisory.Done()

		ctx, cancel := context.WithTimeout(context.Background(), timeout*advisoryTimeoutMultiplier)
		defer cancel()

		entities, err := e.worker.Scan(ctx, text)
		if err != nil {
			e.logger.Debug("advisory nlp scan failed", "scan_id", scanID, "error", err)
			auditCtx.Set("advisory_pii_detected", nil)
			return
		}
		auditCtx.Set("advisory_pii_detected", len(entities) > 0)
		if len(entities) > 0 {
			types := make([]string, 0, len(entities))
			for _, ent := range entities {
				types = append(types, ent.Type)
			}
			auditCtx.Set("advisory_entities", types)
			e.logger.Info("advisory nlp scan detected entities",
				"scan_id", scanID,
				"entities", types,
			)
		}
	}()
}

// makeEntityBlockResult converts detected entities into a BLOCK result.
// The highest-confidence entity is the primary detection; its span drives
// the redacted excerpt.
func makeEntityBlockResult(entities []nlp.Entity, text, scanID string) Result {
	primary := entities[0]
	for _, ent := range entities[1:] {
		if ent.Score > primary.Score {
			primary = ent
		}
	}

	ruleID := EntityRuleID(primary.Type)
	start, end := primary.Start, primary.End
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}

	return Result{
		Action:          ActionBlock,
		ScanID:          scanID,
		RuleID:          ruleID,
		RiskLevel:       RiskHigh,
		RedactedExcerpt: MakeRedactedExcerpt(text, start, end),
		SuppressionHint: MakeSuppressionHint(ruleID, primary.Type),
	}
}
