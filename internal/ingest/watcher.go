package ingest

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher drives the ingestor from filesystem events instead of a timer,
// so dropped files become tasks within a debounce window rather than a full
// scan interval. A periodic rescan still runs underneath it: fsnotify can
// miss events across editors that write via rename.
type Watcher struct {
	Ingestor *Ingestor
	Debounce time.Duration
	Log      *slog.Logger
}

func NewWatcher(i *Ingestor) *Watcher {
	return &Watcher{
		Ingestor: i,
		Debounce: 200 * time.Millisecond,
		Log:      slog.Default(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Ingestor.Inbox, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Ingestor.Inbox); err != nil {
		return err
	}

	rescan := time.NewTicker(w.Ingestor.Interval())
	defer rescan.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.Debounce)
				fire = debounce.C
			} else {
				debounce.Reset(w.Debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("inbox watch error", "err", err)
		case <-fire:
			debounce = nil
			fire = nil
			if _, err := w.Ingestor.Scan(ctx); err != nil && ctx.Err() == nil {
				w.Log.Warn("inbox scan failed", "err", err)
			}
		case <-rescan.C:
			if _, err := w.Ingestor.Scan(ctx); err != nil && ctx.Err() == nil {
				w.Log.Warn("inbox rescan failed", "err", err)
			}
		}
	}
}
