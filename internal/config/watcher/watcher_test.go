package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOperation_String(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpWrite, "write"},
		{OpCreate, "create"},
		{OpRemove, "remove"},
		{OpRename, "rename"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func newTestWatcher(t *testing.T, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// collector gathers events delivered to a handler.
type collector struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 16)}
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *collector) wait(t *testing.T) Event {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestWatcher_WatchAndUnwatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapwire.toml")

	w := newTestWatcher(t)
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch() for missing file error = %v", err)
	}
	if files := w.WatchedFiles(); len(files) != 1 {
		t.Errorf("WatchedFiles() = %v, want 1 file", files)
	}

	if err := w.Unwatch(path); err != nil {
		t.Errorf("Unwatch() error = %v", err)
	}
	if files := w.WatchedFiles(); len(files) != 0 {
		t.Errorf("WatchedFiles() = %v, want none", files)
	}
}

func TestWatcher_WatchMissingDirectory(t *testing.T) {
	w := newTestWatcher(t)
	if err := w.Watch(filepath.Join(t.TempDir(), "nope", "dapwire.toml")); err == nil {
		t.Error("Watch() in missing directory succeeded")
	}
}

func TestWatcher_WatchAfterClose(t *testing.T) {
	w := newTestWatcher(t)
	w.Close()
	if err := w.Watch(filepath.Join(t.TempDir(), "x.toml")); err != ErrWatcherClosed {
		t.Errorf("Watch() after Close error = %v, want ErrWatcherClosed", err)
	}
}

func TestWatcher_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapwire.toml")
	if err := os.WriteFile(path, []byte("initial"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, WithDebounce(0))
	c := newCollector()
	w.OnChange(c.handle)
	if err := w.Watch(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("modified"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := c.wait(t)
	if ev.Path != path {
		t.Errorf("event.Path = %q, want %q", ev.Path, path)
	}
	if ev.Op != OpWrite && ev.Op != OpCreate {
		t.Errorf("event.Op = %v, want write or create", ev.Op)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapwire.toml")

	w := newTestWatcher(t, WithDebounce(0))
	c := newCollector()
	w.OnChange(c.handle)
	if err := w.Watch(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := c.wait(t)
	if ev.Path != path {
		t.Errorf("event.Path = %q, want %q", ev.Path, path)
	}
}

func TestWatcher_DebounceCoalesces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapwire.yaml")
	if err := os.WriteFile(path, []byte("a: 0"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, WithDebounce(150*time.Millisecond))
	c := newCollector()
	w.OnChange(c.handle)
	if err := w.Watch(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("a: 1"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.wait(t)
	time.Sleep(300 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Errorf("received %d events, want 1", n)
	}
}

func TestWatcher_QueueEventCoalescing(t *testing.T) {
	w := newTestWatcher(t, WithDebounce(time.Hour))
	path := "/cfg/dapwire.toml"

	w.queueEvent(Event{Path: path, Op: OpCreate, Time: time.Now()})
	w.queueEvent(Event{Path: path, Op: OpWrite, Time: time.Now()})
	if got := w.pending[path].op; got != OpCreate {
		t.Errorf("create+write = %v, want create", got)
	}

	w.queueEvent(Event{Path: path, Op: OpRemove, Time: time.Now()})
	w.queueEvent(Event{Path: path, Op: OpCreate, Time: time.Now()})
	if got := w.pending[path].op; got != OpRemove {
		t.Errorf("remove+create = %v, want remove", got)
	}
}

func TestWatcher_HandlerPanicRecovered(t *testing.T) {
	w := newTestWatcher(t)
	c := newCollector()
	w.OnChange(func(Event) { panic("boom") })
	w.OnChange(c.handle)

	w.emitEvent(Event{Path: "/x", Op: OpWrite})
	if c.count() != 1 {
		t.Error("second handler not called after panic")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	w := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
