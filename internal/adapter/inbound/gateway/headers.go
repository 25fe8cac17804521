package gateway

import (
	"net/http"
	"strings"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/auth"
)

// Headers owned by OnGarde on agent-facing responses.
const (
	// ScanIDHeader carries the request ULID on every upstream request and
	// every agent-facing response.
	ScanIDHeader = "X-OnGarde-Scan-ID"
	// BlockHeader marks a policy block. Its presence is the sole bit
	// distinguishing a block (400) from a gateway error (502); it is never
	// set on upstream failures.
	BlockHeader = "X-OnGarde-Block"
)

// hopByHopHeaders must not be forwarded by intermediaries (RFC 7230 §6.1).
// host is derived from the upstream URL; content-length is recomputed by
// the transport from the body.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
}

// BuildUpstreamHeaders assembles the header set for the upstream request:
// the OnGarde key header and OnGarde bearer Authorization values are
// consumed at the boundary, hop-by-hop headers are stripped, everything
// else, including provider Authorization values, passes through
// unchanged, and the scan ID is injected.
func BuildUpstreamHeaders(in http.Header, scanID string) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)

		if lower == strings.ToLower(auth.KeyHeader) {
			continue
		}
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		for _, v := range values {
			if lower == "authorization" && strings.HasPrefix(v, auth.BearerPrefix) {
				continue
			}
			out.Add(name, v)
		}
	}
	out.Set(ScanIDHeader, scanID)
	return out
}

// BuildAgentResponseHeaders strips hop-by-hop headers from the upstream
// response and forwards everything else unchanged, in particular the
// rate-limit headers (x-ratelimit-*, retry-after) agents depend on for
// backoff.
func BuildAgentResponseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
