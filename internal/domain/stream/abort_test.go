package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
)

func TestAbortSequence(t *testing.T) {
	result := scan.Result{
		Action:          scan.ActionBlock,
		ScanID:          "01HZXW3Y4N5P6Q7R8S9T0V1W2X",
		RuleID:          scan.RuleCredentialDetected,
		RiskLevel:       scan.RiskCritical,
		RedactedExcerpt: "near [REDACTED] here",
		SuppressionHint: "allowlist:\n  - rule_id: CREDENTIAL_DETECTED\n",
	}

	chunks := AbortSequence(result, 37)
	if len(chunks) != 2 {
		t.Fatalf("abort sequence has %d chunks, want 2", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte("data: [DONE]\n\n")) {
		t.Errorf("first chunk = %q, want the DONE terminator", chunks[0])
	}

	second := string(chunks[1])
	if !strings.HasPrefix(second, "event: ongarde_block\ndata: ") || !strings.HasSuffix(second, "\n\n") {
		t.Fatalf("second chunk framing wrong: %q", second)
	}

	payloadJSON := strings.TrimSuffix(strings.TrimPrefix(second, "event: ongarde_block\ndata: "), "\n\n")
	var payload AbortPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		t.Fatalf("payload does not parse: %v", err)
	}
	if payload.ScanID != result.ScanID {
		t.Errorf("scan id = %q", payload.ScanID)
	}
	if payload.RuleID != scan.RuleCredentialDetected {
		t.Errorf("rule id = %q", payload.RuleID)
	}
	if payload.RiskLevel != "CRITICAL" {
		t.Errorf("risk level = %q", payload.RiskLevel)
	}
	if payload.TokensDelivered != 37 {
		t.Errorf("tokens delivered = %d", payload.TokensDelivered)
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err != nil {
		t.Errorf("timestamp %q not ISO-8601: %v", payload.Timestamp, err)
	}
	if payload.RedactedExcerpt != result.RedactedExcerpt {
		t.Errorf("excerpt = %q", payload.RedactedExcerpt)
	}
}

func TestAbortSequence_Defaults(t *testing.T) {
	// A result with no risk level and no rule id still renders a complete
	// payload: CRITICAL and SCANNER_ERROR.
	chunks := AbortSequence(scan.Result{ScanID: "scan-1"}, 0)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	payloadJSON := strings.TrimSuffix(strings.TrimPrefix(string(chunks[1]), "event: ongarde_block\ndata: "), "\n\n")
	var payload AbortPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.RiskLevel != "CRITICAL" {
		t.Errorf("default risk = %q, want CRITICAL", payload.RiskLevel)
	}
	if payload.RuleID != scan.RuleScannerError {
		t.Errorf("default rule = %q", payload.RuleID)
	}
}

func TestAbortSequence_Fast(t *testing.T) {
	result := scan.Result{Action: scan.ActionBlock, ScanID: "scan-1", RuleID: scan.RuleCredentialDetected}

	start := time.Now()
	for i := 0; i < 100; i++ {
		AbortSequence(result, i)
	}
	if avg := time.Since(start) / 100; avg > time.Millisecond {
		t.Errorf("abort emission averages %v, budget is under 1ms", avg)
	}
}
