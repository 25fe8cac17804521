package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
)

// errorBody is the OpenAI-compatible error envelope.
type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Detail  any    `json:"detail,omitempty"`
}

// blockDetails is the OnGarde extension object on block responses.
type blockDetails struct {
	Blocked         bool    `json:"blocked"`
	RuleID          *string `json:"rule_id"`
	RiskLevel       *string `json:"risk_level"`
	ScanID          string  `json:"scan_id"`
	RedactedExcerpt *string `json:"redacted_excerpt"`
	SuppressionHint *string `json:"suppression_hint"`
	Test            bool    `json:"test"`
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeBlockResponse emits the HTTP 400 policy-block response. Every block
// carries X-OnGarde-Block: true and the scan ID; the body follows the
// OpenAI error schema extended with an ongarde object. The redacted
// excerpt is already sanitized; raw matched content never appears here.
func writeBlockResponse(w http.ResponseWriter, result scan.Result) {
	w.Header().Set(BlockHeader, "true")
	w.Header().Set(ScanIDHeader, result.ScanID)
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": errorBody{
			Message: "Request blocked by OnGarde security policy",
			Type:    "ongarde_block",
			Code:    "policy_violation",
		},
		"ongarde": blockDetails{
			Blocked:         true,
			RuleID:          optional(result.RuleID),
			RiskLevel:       optional(string(result.RiskLevel)),
			ScanID:          result.ScanID,
			RedactedExcerpt: optional(result.RedactedExcerpt),
			SuppressionHint: optional(result.SuppressionHint),
			Test:            result.Test,
		},
	})
}

// writeUpstreamUnavailable emits the HTTP 502 gateway-error response. The
// block header is intentionally absent: an unreachable upstream is not a
// security decision, and clients branch on exactly that distinction.
func writeUpstreamUnavailable(w http.ResponseWriter, scanID, reason string) {
	w.Header().Set(ScanIDHeader, scanID)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error": errorBody{
			Message: "Upstream LLM provider unavailable",
			Code:    "upstream_unavailable",
			Detail:  optional(reason),
		},
	})
}

// writeConfigError emits the HTTP 500 response for a malformed upstream
// URL. Operator misconfiguration, not a connectivity failure, not a block.
func writeConfigError(w http.ResponseWriter, scanID string) {
	w.Header().Set(ScanIDHeader, scanID)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": errorBody{
			Message: "Internal configuration error",
			Code:    "config_error",
		},
	})
}

// writePayloadTooLarge emits the HTTP 413 response for oversized bodies.
func writePayloadTooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
		"error": errorBody{
			Message: "Request body too large. Maximum size: 1MB",
			Code:    "payload_too_large",
		},
	})
}

// writeInvalidContentLength emits the HTTP 400 response for an unparseable
// Content-Length header.
func writeInvalidContentLength(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": errorBody{
			Message: "Invalid Content-Length header",
			Code:    "bad_request",
		},
	})
}

// writeNotFound emits the HTTP 404 response for non-proxy paths.
func writeNotFound(w http.ResponseWriter, path string) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": errorBody{
			Message: "Not found: " + path,
			Code:    "not_found",
		},
	})
}

// writeUnauthorized emits the HTTP 401 response.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": errorBody{
			Message: "Invalid or missing API key",
			Code:    "unauthorized",
		},
	})
}

// optional maps "" to JSON null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
