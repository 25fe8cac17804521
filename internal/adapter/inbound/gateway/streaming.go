package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
	"github.com/AntimatterEnterprises/ongarde/internal/domain/stream"
)

// advisoryStreamTimeout is the budget for the background NLP scan over the
// accumulated stream content. Generous: the advisory result never gates
// forwarding, it can only flip the abort flag.
const advisoryStreamTimeout = 30 * time.Second

// streamChunkSize is the upstream read granularity.
const streamChunkSize = 4096

// streamResponse forwards an SSE (or declared-large) upstream response
// chunk by chunk, scanning each completed content window. On a window
// BLOCK the offending window is withheld, the abort sequence is emitted,
// and the upstream is closed. The streaming-active gauge is decremented on
// every exit path.
func (h *Handler) streamResponse(w http.ResponseWriter, resp *http.Response, scanID, userID string, agentHeaders http.Header) {
	h.streaming.StreamOpened()
	h.metrics.ActiveStreams.Inc()

	advisoryCtx, cancelAdvisory := context.WithCancel(context.Background())
	defer func() {
		cancelAdvisory()
		_ = resp.Body.Close()
		h.streaming.StreamClosed()
		h.metrics.ActiveStreams.Dec()
	}()

	scanner := stream.NewScanner(scanID, h.gate.Regex(), h.streaming.RecordWindowScan)

	copyHeaders(w.Header(), agentHeaders)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	h.logger.Info("stream scan started", "scan_id", scanID)

	// abortFlag is set by the advisory NLP goroutine when it finds
	// entities in the accumulated buffer; the forwarding loop checks it
	// between chunks.
	var abortFlag atomic.Bool
	var advisoryEntities atomic.Pointer[[]string]
	advisoryStarted := false

	forward := func(chunk []byte) bool {
		if _, err := w.Write(chunk); err != nil {
			h.logger.Debug("stream write failed", "scan_id", scanID, "error", err)
			return false
		}
		scanner.RecordDelivered(len(chunk))
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	abort := func(result scan.Result) {
		h.metrics.StreamAborts.Inc()
		h.metrics.BlocksTotal.WithLabelValues(result.RuleID).Inc()
		var entities []string
		if p := advisoryEntities.Load(); p != nil {
			entities = *p
		}
		h.emitStreamEvent(result, userID, scanner.TokensDelivered(), entities)
		for _, chunk := range stream.AbortSequence(result, scanner.TokensDelivered()) {
			if _, err := w.Write(chunk); err != nil {
				h.logger.Debug("abort sequence write failed", "scan_id", scanID, "error", err)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		h.logger.Info("stream aborted",
			"scan_id", scanID,
			"rule_id", result.RuleID,
			"tokens_delivered", scanner.TokensDelivered(),
		)
	}

	var sseBuffer strings.Builder
	buf := make([]byte, streamChunkSize)

	for {
		n, readErr := resp.Body.Read(buf)

		if abortFlag.Load() && !scanner.Aborted() {
			abort(scan.Result{
				Action:    scan.ActionBlock,
				ScanID:    scanID,
				RuleID:    scan.RulePresidioStreamAdvisory,
				RiskLevel: scan.RiskHigh,
			})
			return
		}

		if n > 0 {
			sseBuffer.WriteString(string(buf[:n]))

			pending := sseBuffer.String()
			sseBuffer.Reset()

			// Process every complete SSE message; the trailing partial
			// frame stays buffered for the next chunk.
			for {
				idx := strings.Index(pending, "\n\n")
				if idx < 0 {
					break
				}
				message := pending[:idx]
				pending = pending[idx+len("\n\n"):]
				messageBytes := []byte(message + "\n\n")

				content := stream.ExtractContent(message)
				if content == "" {
					// Metadata frame (role delta, stop, [DONE]):
					// forwarded immediately.
					if !forward(messageBytes) {
						return
					}
					continue
				}

				if result := scanner.AddContent(content); result != nil && result.Action == scan.ActionBlock {
					// The window containing this message failed its scan:
					// the message is withheld and the stream ends with the
					// abort sequence.
					abort(*result)
					return
				}
				if !forward(messageBytes) {
					return
				}

				// One advisory NLP pass per stream, launched after the
				// first complete window over a snapshot of the accumulated
				// content.
				if !advisoryStarted && scanner.WindowCount() >= 1 && h.worker != nil {
					advisoryStarted = true
					go h.advisoryStreamScan(advisoryCtx, scanner.Accumulated(), scanID, &abortFlag, &advisoryEntities)
				}
			}
			sseBuffer.WriteString(pending)
		}

		if readErr != nil {
			break
		}
	}

	// Upstream finished: flush the trailing partial frame and the final
	// partial window.
	if remainder := sseBuffer.String(); remainder != "" {
		if content := stream.ExtractContent(remainder); content != "" {
			scanner.AddContent(content)
			if result := scanner.Flush(); result != nil && result.Action == scan.ActionBlock {
				abort(*result)
				return
			}
		}
		if !forward([]byte(remainder)) {
			return
		}
	} else if result := scanner.Flush(); result != nil && result.Action == scan.ActionBlock {
		abort(*result)
		return
	}

	var entities []string
	if p := advisoryEntities.Load(); p != nil {
		entities = *p
	}
	h.emitStreamEvent(scan.Allow(scanID), userID, scanner.TokensDelivered(), entities)

	h.logger.Info("stream scan complete",
		"scan_id", scanID,
		"windows_scanned", scanner.WindowCount(),
		"tokens_delivered", scanner.TokensDelivered(),
	)
}

// advisoryStreamScan submits the accumulated stream content to the NLP
// worker in the background. Entities found while the stream is still open
// set the abort flag, which the forwarding loop honors between chunks.
func (h *Handler) advisoryStreamScan(ctx context.Context, text, scanID string, abortFlag *atomic.Bool, entitiesOut *atomic.Pointer[[]string]) {
	scanCtx, cancel := context.WithTimeout(ctx, advisoryStreamTimeout)
	defer cancel()

	entities, err := h.worker.Scan(scanCtx, text)
	if err != nil {
		h.logger.Debug("stream advisory scan failed", "scan_id", scanID, "error", err)
		return
	}
	if len(entities) == 0 {
		return
	}

	types := make([]string, 0, len(entities))
	for _, ent := range entities {
		types = append(types, ent.Type)
	}
	entitiesOut.Store(&types)

	h.logger.Info("stream advisory scan detected entities",
		"scan_id", scanID,
		"entities", types,
	)
	abortFlag.Store(true)
}

// emitStreamEvent sends the streaming audit event. Unlike the request
// path, a cleanly completed stream logs its ALLOW with the delivered token
// count.
func (h *Handler) emitStreamEvent(result scan.Result, userID string, tokensDelivered int, advisoryEntities []string) {
	h.auditor.Emit(audit.Event{
		ScanID:           result.ScanID,
		Timestamp:        time.Now().UTC(),
		UserID:           userID,
		Action:           string(result.Action),
		Direction:        audit.DirectionResponse,
		RuleID:           result.RuleID,
		RiskLevel:        string(result.RiskLevel),
		RedactedExcerpt:  result.RedactedExcerpt,
		Test:             result.Test,
		TokensDelivered:  tokensDelivered,
		AdvisoryEntities: advisoryEntities,
	})
}
