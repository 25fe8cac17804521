package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/audit"
)

// memoryBackend collects events in memory for assertions.
type memoryBackend struct {
	mu     sync.Mutex
	events []audit.Event
	fail   bool
}

func (m *memoryBackend) LogEvent(_ context.Context, event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("backend down")
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryBackend) QueryEvents(context.Context, audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...), nil
}

func (m *memoryBackend) CountEvents(context.Context, audit.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), nil
}

func (m *memoryBackend) Close(context.Context) error { return nil }

func (m *memoryBackend) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func testEvent(scanID string) audit.Event {
	return audit.Event{
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		UserID:    "alice",
		Action:    "BLOCK",
		Direction: audit.DirectionRequest,
		RuleID:    "CREDENTIAL_DETECTED",
		RiskLevel: "CRITICAL",
	}
}

func TestAuditService_WritesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &memoryBackend{}
	svc := NewAuditService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start(context.Background())

	svc.Emit(testEvent("scan-1"))
	svc.Emit(testEvent("scan-2"))
	svc.Stop()

	if got := backend.len(); got != 2 {
		t.Errorf("backend has %d events, want 2", got)
	}
}

func TestAuditService_StopDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &memoryBackend{}
	svc := NewAuditService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start(context.Background())

	for i := 0; i < 100; i++ {
		svc.Emit(testEvent("scan"))
	}
	svc.Stop()

	if got := backend.len(); got != 100 {
		t.Errorf("backend has %d events after drain, want 100", got)
	}
}

func TestAuditService_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &memoryBackend{}
	svc := NewAuditService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)), WithChannelSize(1))
	// Worker intentionally not started: the buffer fills immediately.

	svc.Emit(testEvent("scan-1"))
	svc.Emit(testEvent("scan-2"))
	svc.Emit(testEvent("scan-3"))

	if got := svc.DroppedEvents(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	// Start and stop to drain the one queued event cleanly.
	svc.Start(context.Background())
	svc.Stop()
}

func TestAuditService_BackendFailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &memoryBackend{fail: true}
	svc := NewAuditService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start(context.Background())

	svc.Emit(testEvent("scan-1"))
	svc.Stop()
	// Reaching here without a panic is the assertion: audit failures never
	// propagate.
}

func TestAuditService_EmitAfterStopIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &memoryBackend{}
	svc := NewAuditService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start(context.Background())
	svc.Stop()

	svc.Emit(testEvent("scan-after"))
	if got := backend.len(); got != 0 {
		t.Errorf("backend has %d events, want 0", got)
	}
}
