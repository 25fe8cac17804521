// Package service contains application services gluing the domain to the
// adapters.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
)

// AuditService writes audit events asynchronously through a buffered
// channel and a background worker. Emission is fire-and-forget: a full
// channel drops the event and counts the drop; a failing backend is logged
// and ignored. Audit must never affect the response path.
type AuditService struct {
	backend   audit.Backend
	eventChan chan audit.Event
	wg        sync.WaitGroup
	logger    *slog.Logger

	dropCount atomic.Int64
	closed    atomic.Bool
}

// AuditOption configures an AuditService.
type AuditOption func(*AuditService)

// WithChannelSize overrides the event buffer size.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.eventChan = make(chan audit.Event, size)
	}
}

// NewAuditService creates the service. Start must be called before events
// flow.
func NewAuditService(backend audit.Backend, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		backend:   backend,
		eventChan: make(chan audit.Event, 1000),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background writer.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit enqueues an event without blocking. A full buffer drops the event;
// lost audit events are preferable to refused requests.
func (s *AuditService) Emit(event audit.Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		drops := s.dropCount.Add(1)
		s.logger.Warn("audit event dropped",
			"scan_id", event.ScanID,
			"action", event.Action,
			"total_drops", drops,
		)
	}
}

// DroppedEvents returns the total number of dropped events.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// Stop drains pending events with a bounded deadline and waits for the
// worker to exit. Best-effort: events still unflushed at the deadline are
// lost.
func (s *AuditService) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.eventChan)
	s.wg.Wait()
}

// worker writes events until the channel closes or the context ends.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.eventChan:
			if !ok {
				return
			}
			s.write(event)
		case <-ctx.Done():
			// Drain whatever is already queued, bounded by the shutdown
			// grace period, then exit.
			deadline := time.After(5 * time.Second)
			for {
				select {
				case event, ok := <-s.eventChan:
					if !ok {
						return
					}
					s.write(event)
				case <-deadline:
					return
				}
			}
		}
	}
}

// write persists one event. Errors are logged, never propagated.
func (s *AuditService) write(event audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.backend.LogEvent(ctx, event); err != nil {
		s.logger.Error("audit write failed",
			"scan_id", event.ScanID,
			"error", err,
		)
	}
}
