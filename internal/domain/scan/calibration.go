package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/nlp"
)

// Calibration constants. At startup the proxy probes the live worker with
// benign text and derives the sync/advisory routing thresholds from the
// measured p99 on this hardware, instead of assuming a hardware profile.
const (
	// CalibrationIterations is the probe count per size.
	CalibrationIterations = 5
	// CalibrationTargetLatency is the p99 budget for sync eligibility.
	CalibrationTargetLatency = 30 * time.Millisecond
	// calibrationPerCallTimeout caps a single probe; timed-out probes
	// record this sentinel value, which always exceeds the target.
	calibrationPerCallTimeout = 200 * time.Millisecond

	// timeoutMultiplier buffers the measured p99 into the enforced timeout.
	timeoutMultiplier = 1.5
	// TimeoutMin and TimeoutMax clamp the derived timeout.
	TimeoutMin = 25 * time.Millisecond
	TimeoutMax = 60 * time.Millisecond

	// DefaultSyncCap is the conservative fallback when calibration fails.
	DefaultSyncCap = 500
)

// CalibrationSizes are the probed input sizes, smallest first.
var CalibrationSizes = []int{200, 500, 1000}

// Calibration tiers, a coarse hardware classification.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierSlow     = "slow"
	TierMinimal  = "minimal"
)

// CalibrationResult holds the adaptive settings derived at startup. It is
// created once, copied into the engine's threshold store before the proxy
// accepts traffic, and immutable afterwards.
type CalibrationResult struct {
	// SyncCap is the maximum input length routed to synchronous NLP.
	// 0 means advisory-only.
	SyncCap int
	// Timeout is the per-operation NLP timeout.
	Timeout time.Duration
	// Tier classifies the hardware: fast, standard, slow, or minimal.
	Tier string
	// Measurements maps probed size to measured p99.
	Measurements map[int]time.Duration
	// OK reports whether calibration completed.
	OK bool
	// FallbackReason explains a failed calibration.
	FallbackReason string
}

// ConservativeFallback is the result used when calibration cannot run:
// small sync cap, maximum timeout, minimal tier. Safe on any hardware: it
// only means more inputs take the advisory path.
func ConservativeFallback(reason string) CalibrationResult {
	return CalibrationResult{
		SyncCap:        DefaultSyncCap,
		Timeout:        TimeoutMax,
		Tier:           TierMinimal,
		Measurements:   map[int]time.Duration{},
		OK:             false,
		FallbackReason: reason,
	}
}

// DeriveThresholds turns measured p99 latencies into routing thresholds.
// Pure function, separated from probing for testability.
//
// SyncCap is the largest size whose p99 is within the target; if even the
// smallest size misses the target, SyncCap is 0 (minimal tier). Timeout is
// 1.5x the p99 at SyncCap (smallest-size p99 when SyncCap is 0), clamped
// to [TimeoutMin, TimeoutMax]. The tier is classified from the
// 1000-character p99.
func DeriveThresholds(measurements map[int]time.Duration) CalibrationResult {
	sizes := make([]int, 0, len(CalibrationSizes))
	sizes = append(sizes, CalibrationSizes...)
	sort.Ints(sizes)

	syncCap := 0
	for _, size := range sizes {
		p99, ok := measurements[size]
		if !ok {
			continue
		}
		if p99 <= CalibrationTargetLatency {
			syncCap = size
		}
	}

	var reference time.Duration
	var haveReference bool
	if syncCap > 0 {
		reference, haveReference = measurements[syncCap]
	} else if len(sizes) > 0 {
		reference, haveReference = measurements[sizes[0]]
	}

	timeout := TimeoutMax
	if haveReference {
		timeout = time.Duration(float64(reference) * timeoutMultiplier)
		if timeout < TimeoutMin {
			timeout = TimeoutMin
		}
		if timeout > TimeoutMax {
			timeout = TimeoutMax
		}
	}

	p99At1000, measured1000 := measurements[1000]
	var tier string
	switch {
	case syncCap == 0:
		tier = TierMinimal
	case !measured1000:
		if syncCap < 1000 {
			tier = TierSlow
		} else {
			tier = TierStandard
		}
	case p99At1000 <= 20*time.Millisecond:
		tier = TierFast
	case p99At1000 <= 30*time.Millisecond:
		tier = TierStandard
	default:
		tier = TierSlow
	}

	out := make(map[int]time.Duration, len(measurements))
	for k, v := range measurements {
		out[k] = v
	}
	return CalibrationResult{
		SyncCap:      syncCap,
		Timeout:      timeout,
		Tier:         tier,
		Measurements: out,
		OK:           true,
	}
}

// RunCalibration probes the live worker with benign text at each
// calibration size and derives thresholds from the measured p99. It never
// returns an error: any failure yields the conservative fallback.
// Must complete before the proxy accepts traffic.
func RunCalibration(ctx context.Context, worker nlp.Worker, logger *slog.Logger) CalibrationResult {
	if worker == nil {
		return ConservativeFallback("no NLP worker available")
	}

	logger.Info("nlp calibration starting",
		"sizes", CalibrationSizes,
		"iterations", CalibrationIterations,
		"target_ms", CalibrationTargetLatency.Milliseconds(),
	)

	measurements := make(map[int]time.Duration, len(CalibrationSizes))
	for _, size := range CalibrationSizes {
		text := nlp.BenignText(size)
		latencies := make([]time.Duration, 0, CalibrationIterations)

		for i := 0; i < CalibrationIterations; i++ {
			callCtx, cancel := context.WithTimeout(ctx, calibrationPerCallTimeout)
			start := time.Now()
			_, err := worker.Scan(callCtx, text)
			elapsed := time.Since(start)
			cancel()

			switch {
			case err == nil:
				latencies = append(latencies, elapsed)
			case errors.Is(err, context.DeadlineExceeded):
				// Probe timed out: this size is too slow. Record the
				// sentinel so it can never qualify for the sync path.
				latencies = append(latencies, calibrationPerCallTimeout)
			case errors.Is(err, context.Canceled):
				return ConservativeFallback("calibration cancelled")
			default:
				return ConservativeFallback(fmt.Sprintf("calibration probe failed: %v", err))
			}
		}

		measurements[size] = percentile99(latencies)
		logger.Debug("calibration measurement",
			"size", size,
			"p99_ms", measurements[size].Milliseconds(),
		)
	}

	result := DeriveThresholds(measurements)
	logger.Info("nlp calibration complete",
		"tier", result.Tier,
		"sync_cap", result.SyncCap,
		"timeout_ms", result.Timeout.Milliseconds(),
	)
	return result
}

// percentile99 returns the p99 of the samples. With fewer than 10 samples
// the maximum is used as a conservative estimate, preventing optimistic
// outliers from loosening the threshold.
func percentile99(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) - 1
	if len(sorted) >= 10 {
		idx = int(float64(len(sorted)) * 0.99)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
	}
	return sorted[idx]
}
