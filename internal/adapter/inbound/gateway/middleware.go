package gateway

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// MaxRequestBodyBytes is the request body hard cap. HTTP 413 is returned
// for anything larger, before the scan gate runs and before any upstream
// contact.
const MaxRequestBodyBytes = 1 << 20 // 1 MiB

// BodySizeLimit enforces the request body cap in two phases: a declared
// Content-Length beyond the cap is rejected without reading a byte; bodies
// without a declared length are accumulated chunk-by-chunk and rejected the
// moment the cap is crossed. Accepted bodies are re-attached to the
// request so downstream reads see the buffered copy.
func BodySizeLimit(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			declared, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				logger.Warn("invalid content-length header",
					"value", cl,
					"path", r.URL.Path,
				)
				writeInvalidContentLength(w)
				return
			}
			if declared > MaxRequestBodyBytes {
				logger.Warn("request body too large",
					"declared_size", declared,
					"limit", MaxRequestBodyBytes,
					"path", r.URL.Path,
				)
				writePayloadTooLarge(w)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}

		// Chunked or length-less body: read with a rolling cap. One extra
		// byte past the cap is enough to prove the violation.
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
		if err != nil {
			logger.Warn("request body read failed", "path", r.URL.Path, "error", err)
			writeInvalidContentLength(w)
			return
		}
		if len(body) > MaxRequestBodyBytes {
			logger.Warn("request body too large",
				"accumulated_size", len(body),
				"limit", MaxRequestBodyBytes,
				"path", r.URL.Path,
			)
			writePayloadTooLarge(w)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}
