package allowlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// countingNotifier records reload notifications.
type countingNotifier struct {
	counts chan int
}

func (n *countingNotifier) NotifyConfigReloaded(count int) {
	select {
	case n.counts <- count:
	default:
	}
}

func TestWatcher_HotReload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	if err := os.WriteFile(path, []byte("- rule_id: CREDENTIAL_DETECTED\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(testLogger())
	if _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}

	notifier := &countingNotifier{counts: make(chan int, 4)}
	watcher := NewWatcher(store, path, notifier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)

	updated := "- rule_id: CREDENTIAL_DETECTED\n- rule_id: PROMPT_INJECTION_DETECTED\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	// Reload budget is one second from save.
	select {
	case count := <-notifier.counts:
		if count != 2 {
			t.Errorf("notified count = %d, want 2", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload notification within budget")
	}

	if got := len(store.Entries()); got != 2 {
		t.Errorf("store has %d entries after reload, want 2", got)
	}
}

func TestWatcher_ParseErrorKeepsPrior(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	if err := os.WriteFile(path, []byte("- rule_id: CREDENTIAL_DETECTED\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(testLogger())
	if _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}

	watcher := NewWatcher(store, path, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{{{ broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Wait past the debounce + reload window, then verify the prior entry
	// set survived.
	time.Sleep(500 * time.Millisecond)
	if got := len(store.Entries()); got != 1 {
		t.Errorf("store has %d entries after broken reload, want the prior 1", got)
	}
}
