package stream

import (
	"encoding/json"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
)

// doneChunk terminates the stream for vanilla SSE clients.
var doneChunk = []byte("data: [DONE]\n\n")

// AbortPayload is the JSON body of the ongarde_block SSE event. Clients
// unaware of the custom event type silently discard it per SSE semantics.
type AbortPayload struct {
	ScanID string `json:"scan_id"`
	RuleID string `json:"rule_id"`
	// RiskLevel is always a string, never null; unknown defaults to
	// CRITICAL.
	RiskLevel string `json:"risk_level"`
	// TokensDelivered approximates how much content reached the agent
	// before the abort.
	TokensDelivered int    `json:"tokens_delivered"`
	Timestamp       string `json:"timestamp"`
	RedactedExcerpt string `json:"redacted_excerpt,omitempty"`
	SuppressionHint string `json:"suppression_hint,omitempty"`
}

// AbortSequence renders the two-chunk in-memory abort sequence emitted when
// a window scan blocks a stream:
//
//  1. data: [DONE]            terminates the stream for standard clients
//  2. event: ongarde_block    carries the block reason for aware clients
//
// Both chunks are plain byte constants plus one JSON marshal; total
// emission stays well under a millisecond.
func AbortSequence(result scan.Result, tokensDelivered int) [][]byte {
	risk := string(result.RiskLevel)
	if risk == "" {
		risk = string(scan.RiskCritical)
	}
	ruleID := result.RuleID
	if ruleID == "" {
		ruleID = scan.RuleScannerError
	}

	payload := AbortPayload{
		ScanID:          result.ScanID,
		RuleID:          ruleID,
		RiskLevel:       risk,
		TokensDelivered: tokensDelivered,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		RedactedExcerpt: result.RedactedExcerpt,
		SuppressionHint: result.SuppressionHint,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		// Payload is plain data; marshal cannot realistically fail. Keep
		// the stream termination working regardless.
		return [][]byte{doneChunk}
	}

	event := make([]byte, 0, len(body)+40)
	event = append(event, "event: ongarde_block\ndata: "...)
	event = append(event, body...)
	event = append(event, "\n\n"...)

	return [][]byte{doneChunk, event}
}
