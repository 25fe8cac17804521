// Package nlp hosts the out-of-process entity-recognition worker client.
// The analyzer model lives in a separate OS process so that model load is
// amortized over the worker lifetime and a hanging analysis can never block
// request handling in this process.
package nlp

import (
	"context"
	"errors"
)

// Entity is one recognized PII entity. The struct is plain data because it
// crosses the worker process boundary as JSON.
type Entity struct {
	Type  string  `json:"entity_type"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// Worker analyzes text for PII entities.
type Worker interface {
	// Scan returns all entities detected in text. It honors ctx deadlines;
	// an expired deadline returns ctx.Err().
	Scan(ctx context.Context, text string) ([]Entity, error)
}

// ErrWorkerNotInitialized is returned when a scan is submitted before the
// worker's init handshake completed. The gate maps it to SCANNER_ERROR.
var ErrWorkerNotInitialized = errors.New("nlp: worker not initialized")

// ErrWorkerUnavailable is returned when the worker process has exited.
// The worker is not restarted automatically; supervision is a startup
// concern.
var ErrWorkerUnavailable = errors.New("nlp: worker unavailable")

// Warmup plan sent to the worker during init. 5 sizes x 3 iterations = 15
// scans over benign prose, eliminating first-call latency spikes before the
// worker accepts production traffic.
var (
	WarmupSizes      = []int{100, 200, 300, 500, 1000}
	WarmupIterations = 3
)

// DefaultEntitySet is the entity catalog requested from the analyzer when
// the config does not override it. PERSON is opt-in (high false-positive
// rate on prose).
var DefaultEntitySet = []string{
	"CREDIT_CARD", "CRYPTO", "EMAIL_ADDRESS", "PHONE_NUMBER", "US_SSN",
}

// BenignText returns size characters of PII-free prose, used for warmup
// and calibration probes.
func BenignText(size int) string {
	const template = "The quick brown fox jumps over the lazy dog. " +
		"Alice went to the market to buy fresh vegetables and fruits. " +
		"Bob called his colleague to discuss the quarterly report. " +
		"The conference is scheduled for next Tuesday in the main meeting room. " +
		"Please review the attached document and provide feedback by Friday. "
	buf := make([]byte, 0, size+len(template))
	for len(buf) < size {
		buf = append(buf, template...)
	}
	return string(buf[:size])
}
