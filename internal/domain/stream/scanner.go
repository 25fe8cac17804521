package stream

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
)

// WindowSize is the number of extracted content characters accumulated
// before a window is scanned. Smaller windows abort faster; larger windows
// amortize the per-scan cost. Do not change without measuring both ends.
const WindowSize = 512

// bytesPerToken is the byte-count approximation used for tokens_delivered
// (accurate to roughly +/-20% for English text).
const bytesPerToken = 4

// Scanner accumulates extracted SSE content into fixed-size windows and
// scans each completed window with the regex engine. NLP never runs on the
// window path; the full accumulated buffer is available for the advisory
// background scan.
type Scanner struct {
	scanID string
	regex  *scan.RegexEngine
	// onWindowScan receives per-window scan durations in milliseconds.
	onWindowScan func(float64)

	window      strings.Builder
	accumulated strings.Builder
	windowCount int
	aborted     bool

	deliveredBytes atomic.Int64
}

// NewScanner builds a scanner for one stream. onWindowScan may be nil.
func NewScanner(scanID string, regex *scan.RegexEngine, onWindowScan func(float64)) *Scanner {
	return &Scanner{scanID: scanID, regex: regex, onWindowScan: onWindowScan}
}

// AddContent appends extracted content. When the window fills, it is
// scanned and the verdict returned; nil means no completed window yet.
func (s *Scanner) AddContent(content string) *scan.Result {
	s.window.WriteString(content)
	s.accumulated.WriteString(content)
	if s.window.Len() < WindowSize {
		return nil
	}
	return s.scanWindow()
}

// Flush scans whatever partial window remains. Returns nil when the window
// is empty.
func (s *Scanner) Flush() *scan.Result {
	if s.window.Len() == 0 {
		return nil
	}
	return s.scanWindow()
}

// scanWindow runs the regex engine over the current window and resets it.
func (s *Scanner) scanWindow() *scan.Result {
	text := s.window.String()
	s.window.Reset()
	s.windowCount++

	start := time.Now()
	rr := s.regex.Scan(text)
	if s.onWindowScan != nil {
		s.onWindowScan(float64(time.Since(start).Microseconds()) / 1000.0)
	}

	if !rr.IsBlock {
		result := scan.Allow(s.scanID)
		return &result
	}

	s.aborted = true
	result := scan.Result{
		Action:          scan.ActionBlock,
		ScanID:          s.scanID,
		RuleID:          rr.RuleID,
		RiskLevel:       rr.RiskLevel,
		RedactedExcerpt: scan.MakeRedactedExcerpt(text, rr.Start, rr.End),
		SuppressionHint: scan.MakeSuppressionHint(rr.RuleID, rr.MatchedSlug),
		Test:            rr.Test,
	}
	return &result
}

// RecordDelivered notes n forwarded bytes. Safe to call from the
// forwarding loop while the advisory goroutine reads TokensDelivered.
func (s *Scanner) RecordDelivered(n int) {
	s.deliveredBytes.Add(int64(n))
}

// TokensDelivered approximates how many tokens have been forwarded to the
// agent so far.
func (s *Scanner) TokensDelivered() int {
	return int(s.deliveredBytes.Load() / bytesPerToken)
}

// WindowCount returns the number of windows scanned so far.
func (s *Scanner) WindowCount() int {
	return s.windowCount
}

// Accumulated returns all content extracted so far, for the advisory NLP
// scan.
func (s *Scanner) Accumulated() string {
	return s.accumulated.String()
}

// Aborted reports whether a window scan blocked this stream.
func (s *Scanner) Aborted() bool {
	return s.aborted
}
