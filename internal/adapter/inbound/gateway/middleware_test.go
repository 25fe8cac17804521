package gateway

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runBodySizeLimit(t *testing.T, r *http.Request) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	var seen []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		seen = body
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	BodySizeLimit(slog.New(slog.NewTextHandler(io.Discard, nil)), next).ServeHTTP(rec, r)
	return rec, seen
}

func TestBodySizeLimit_DeclaredOversize(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("x"))
	r.Header.Set("Content-Length", "2097152") // 2 MB declared

	rec, _ := runBodySizeLimit(t, r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payload_too_large") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBodySizeLimit_DeclaredAtBoundary(t *testing.T) {
	body := bytes.Repeat([]byte("a"), MaxRequestBodyBytes)
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))

	rec, seen := runBodySizeLimit(t, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body at the boundary must pass", rec.Code)
	}
	if len(seen) != MaxRequestBodyBytes {
		t.Errorf("handler saw %d bytes", len(seen))
	}
}

func TestBodySizeLimit_InvalidContentLength(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("x"))
	r.Header.Set("Content-Length", "not-a-number")

	rec, _ := runBodySizeLimit(t, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBodySizeLimit_ChunkedOversize(t *testing.T) {
	// No Content-Length: the rolling accumulation path must reject.
	body := bytes.Repeat([]byte("a"), MaxRequestBodyBytes+1)
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Del("Content-Length")
	r.ContentLength = -1

	rec, _ := runBodySizeLimit(t, r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestBodySizeLimit_ChunkedWithinLimit(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("small body"))
	r.Header.Del("Content-Length")
	r.ContentLength = -1

	rec, seen := runBodySizeLimit(t, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(seen) != "small body" {
		t.Errorf("handler saw %q, body must be re-readable after buffering", seen)
	}
}
