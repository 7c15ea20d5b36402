// Package ingest bridges file-dropping telemetry producers onto the bus.
// External tools that cannot talk to the bus directly write one JSON event
// per file into the inbox directory; the watcher publishes each settled
// file to the telemetry queue and archives it under processed/. Files that
// cannot be parsed are moved to rejected/ so they never loop.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flywheel/internal/bus"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// DefaultDebounce is how long a file must sit unchanged before it is read.
// Producers that write incrementally get their final byte in before we parse.
const DefaultDebounce = 500 * time.Millisecond

// Watcher tails an inbox directory for *.json telemetry drops.
type Watcher struct {
	bus          *bus.Bus
	inboxDir     string
	processedDir string
	rejectedDir  string
	debounce     time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Stats counts watcher activity since startup.
type Stats struct {
	Ingested int
	Rejected int
	Errors   int
	LastFile string
	LastTime time.Time
}

// New builds a watcher over inboxDir. The directory is created on Start;
// processed/ and rejected/ live underneath it.
func New(b *bus.Bus, inboxDir string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		bus:          b,
		inboxDir:     inboxDir,
		processedDir: filepath.Join(inboxDir, "processed"),
		rejectedDir:  filepath.Join(inboxDir, "rejected"),
		debounce:     debounce,
		watcher:      fw,
		pending:      make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start creates the inbox directories, queues any files left over from a
// previous run, and begins watching. Non-blocking; the event loop runs in
// its own goroutine until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range []string{w.inboxDir, w.processedDir, w.rejectedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			w.setRunning(false)
			return fmt.Errorf("create inbox directory %s: %w", dir, err)
		}
	}
	if err := w.watcher.Add(w.inboxDir); err != nil {
		w.setRunning(false)
		return fmt.Errorf("watch inbox %s: %w", w.inboxDir, err)
	}

	w.seedLeftovers()
	logging.Ingest("Watching inbox: %s (debounce %s)", w.inboxDir, w.debounce)

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.IngestError("Error closing inbox watcher: %v", err)
	}
	logging.Ingest("Inbox watcher stopped")
}

// GetStats returns a snapshot of watcher activity.
func (w *Watcher) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) setRunning(v bool) {
	w.mu.Lock()
	w.running = v
	w.mu.Unlock()
}

// seedLeftovers queues files that were dropped while the watcher was down.
// They are already settled, so they skip the debounce window.
func (w *Watcher) seedLeftovers() {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		logging.IngestWarn("Cannot list inbox %s: %v", w.inboxDir, err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.pending[filepath.Join(w.inboxDir, entry.Name())] = time.Now().Add(-w.debounce)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.IngestDebug("Inbox watcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.IngestError("Inbox watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent records a write to a candidate file. The debounce timestamp
// resets on every event so a file still being written never gets read early.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	logging.IngestDebug("Inbox event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flush processes files whose last event is older than the debounce window.
// Publish failures requeue the file for the next tick.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if err := w.processFile(ctx, path); err != nil {
			logging.IngestWarn("Inbox file %s will be retried: %v", filepath.Base(path), err)
			w.mu.Lock()
			w.stats.Errors++
			w.pending[path] = time.Now()
			w.mu.Unlock()
		}
	}
}

// processFile reads one inbox drop, publishes it as a telemetry event, and
// archives the file. Malformed drops are rejected, not returned as errors;
// only infrastructure failures (an unreachable bus) propagate so the caller
// can retry.
func (w *Watcher) processFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.IngestDebug("Inbox file vanished before processing: %s", path)
			return nil
		}
		return err
	}

	base := filepath.Base(path)
	var ev types.TelemetryEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.reject(path, fmt.Sprintf("invalid JSON: %v", err))
		return nil
	}
	if strings.TrimSpace(ev.Text) == "" {
		w.reject(path, "missing text field")
		return nil
	}

	if ev.Source == "" {
		ev.Source = "inbox"
	}
	if ev.SourceID == "" {
		ev.SourceID = base
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	msg, err := bus.NewMessage(bus.QueueTelemetry, bus.MsgTelemetry, types.PriorityNormal, ev.CorrelationID, ev)
	if err != nil {
		w.reject(path, fmt.Sprintf("unencodable event: %v", err))
		return nil
	}
	if _, err := w.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish inbox event %s: %w", base, err)
	}

	if err := moveTo(path, w.processedDir); err != nil {
		// The event is on the bus. Drop the file rather than archive a
		// duplicate source for the next sweep.
		logging.IngestWarn("Ingested %s but could not archive it: %v", base, err)
		if rmErr := os.Remove(path); rmErr != nil {
			logging.IngestError("Cannot remove ingested inbox file %s: %v", path, rmErr)
		}
	}

	w.mu.Lock()
	w.stats.Ingested++
	w.stats.LastFile = base
	w.stats.LastTime = time.Now()
	w.mu.Unlock()

	logging.Ingest("Ingested %s from source %q", base, ev.Source)
	return nil
}

func (w *Watcher) reject(path, reason string) {
	logging.IngestWarn("Rejecting inbox file %s: %s", filepath.Base(path), reason)
	if err := moveTo(path, w.rejectedDir); err != nil {
		logging.IngestError("Cannot move rejected file %s: %v", path, err)
	}
	w.mu.Lock()
	w.stats.Rejected++
	w.mu.Unlock()
}

// moveTo renames path into dir, timestamping the name on collision.
func moveTo(path, dir string) error {
	base := filepath.Base(path)
	target := filepath.Join(dir, base)
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dir, time.Now().UTC().Format("20060102_150405.000000")+"_"+base)
	}
	return os.Rename(path, target)
}
