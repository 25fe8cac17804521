package nlp

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize bounds a single IPC frame. The scan input is capped at 8 KiB
// upstream, so anything past this is a protocol violation.
const maxFrameSize = 1 << 20

// initTimeout bounds the init handshake. Model load plus 15 warmup scans is
// slow on cold disks; 60s is generous but finite.
const initTimeout = 60 * time.Second

// ProcessWorkerConfig configures the worker subprocess.
type ProcessWorkerConfig struct {
	// Command is the worker argv, e.g. ["python3", "-m", "ongarde_worker"].
	Command []string
	// EntitySet is the entity catalog to request. Empty means
	// DefaultEntitySet.
	EntitySet []string
	// PhoneRegions restricts phone-number detection. The worker removes the
	// global phone recognizer and registers only these regions; default US.
	PhoneRegions []string
}

// frame is the length-prefixed JSON message exchanged with the worker.
// Exactly one of the op-specific field sets is populated per direction.
type frame struct {
	Op string `json:"op,omitempty"`
	ID string `json:"id,omitempty"`

	// init request
	Entities         []string `json:"entities,omitempty"`
	PhoneRegions     []string `json:"phone_regions,omitempty"`
	WarmupSizes      []int    `json:"warmup_sizes,omitempty"`
	WarmupIterations int      `json:"warmup_iterations,omitempty"`

	// scan request
	Text string `json:"text,omitempty"`

	// replies
	OK          bool     `json:"ok,omitempty"`
	WarmupScans int      `json:"warmup_scans,omitempty"`
	Entries     []Entity `json:"entities_found,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ProcessWorker runs the analyzer in a child process and speaks
// length-prefixed JSON over its stdin/stdout. The worker is
// single-concurrency: one scan is in flight at a time, enforced by the
// submission mutex. Scale is achieved by running more worker processes,
// never by threading inside one.
type ProcessWorker struct {
	cfg    ProcessWorkerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes frame writes and enforces one in-flight scan

	pendingMu sync.Mutex
	pending   map[string]chan frame

	initialized bool
	dead        bool
	stateMu     sync.Mutex
}

// NewProcessWorker spawns the worker process, performs the init handshake
// (model load, US-only phone registry, 15 warmup scans), and returns a
// ready worker. A failed init returns an error; the caller treats the
// worker as unavailable and does not retry.
func NewProcessWorker(cfg ProcessWorkerConfig, logger *slog.Logger) (*ProcessWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("nlp: worker command not configured")
	}
	if len(cfg.EntitySet) == 0 {
		cfg.EntitySet = DefaultEntitySet
	}
	if len(cfg.PhoneRegions) == 0 {
		cfg.PhoneRegions = []string{"US"}
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("nlp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("nlp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("nlp: start worker: %w", err)
	}

	w := &ProcessWorker{
		cfg:     cfg,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan frame),
	}
	go w.readLoop(bufio.NewReader(stdout))

	if err := w.handshake(); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(closeCtx)
		return nil, err
	}
	return w, nil
}

// handshake sends the init frame and waits for the worker's ready reply.
func (w *ProcessWorker) handshake() error {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	reply, err := w.roundTrip(ctx, frame{
		Op:               "init",
		ID:               uuid.New().String(),
		Entities:         w.cfg.EntitySet,
		PhoneRegions:     w.cfg.PhoneRegions,
		WarmupSizes:      WarmupSizes,
		WarmupIterations: WarmupIterations,
	})
	if err != nil {
		return fmt.Errorf("nlp: init handshake: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("nlp: worker init failed: %s", reply.Error)
	}

	w.stateMu.Lock()
	w.initialized = true
	w.stateMu.Unlock()

	w.logger.Info("nlp worker ready",
		"entities", w.cfg.EntitySet,
		"warmup_scans", reply.WarmupScans,
	)
	return nil
}

// Scan submits text to the worker and waits for the reply or the context
// deadline, whichever comes first. A deadline expiry abandons the reply;
// the read loop discards it when it eventually arrives.
func (w *ProcessWorker) Scan(ctx context.Context, text string) ([]Entity, error) {
	w.stateMu.Lock()
	if w.dead {
		w.stateMu.Unlock()
		return nil, ErrWorkerUnavailable
	}
	if !w.initialized {
		w.stateMu.Unlock()
		return nil, ErrWorkerNotInitialized
	}
	w.stateMu.Unlock()

	reply, err := w.roundTrip(ctx, frame{
		Op:   "scan",
		ID:   uuid.New().String(),
		Text: text,
	})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("nlp: worker scan: %s", reply.Error)
	}
	return reply.Entries, nil
}

// roundTrip writes one frame and waits for its correlated reply.
func (w *ProcessWorker) roundTrip(ctx context.Context, req frame) (frame, error) {
	ch := make(chan frame, 1)
	w.pendingMu.Lock()
	w.pending[req.ID] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
	}()

	w.writeMu.Lock()
	err := writeFrame(w.stdin, req)
	w.writeMu.Unlock()
	if err != nil {
		w.markDead()
		return frame{}, ErrWorkerUnavailable
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, ErrWorkerUnavailable
		}
		return reply, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// readLoop reads reply frames until the worker's stdout closes, dispatching
// each to the waiter registered under its ID. Late replies for abandoned
// requests are dropped.
func (w *ProcessWorker) readLoop(r *bufio.Reader) {
	for {
		reply, err := readFrame(r)
		if err != nil {
			w.markDead()
			w.pendingMu.Lock()
			for id, ch := range w.pending {
				close(ch)
				delete(w.pending, id)
			}
			w.pendingMu.Unlock()
			if err != io.EOF {
				w.logger.Warn("nlp worker read loop ended", "error", err)
			}
			return
		}

		w.pendingMu.Lock()
		ch, ok := w.pending[reply.ID]
		w.pendingMu.Unlock()
		if !ok {
			continue
		}
		ch <- reply
	}
}

func (w *ProcessWorker) markDead() {
	w.stateMu.Lock()
	w.dead = true
	w.stateMu.Unlock()
}

// Close shuts the worker down gracefully: stdin closes, the worker drains
// and exits, and Wait reaps it. If the worker outlives the context it is
// killed.
func (w *ProcessWorker) Close(ctx context.Context) error {
	w.markDead()
	_ = w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

// writeFrame emits a 4-byte big-endian length prefix followed by the JSON
// body.
func writeFrame(dst io.Writer, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := dst.Write(prefix[:]); err != nil {
		return err
	}
	_, err = dst.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame.
func readFrame(src io.Reader) (frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(src, prefix[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxFrameSize {
		return frame{}, fmt.Errorf("nlp: invalid frame size %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(src, body); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("nlp: decode frame: %w", err)
	}
	return f, nil
}

var _ Worker = (*ProcessWorker)(nil)
