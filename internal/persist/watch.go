package persist

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/cdpreplay/schema"
)

// RecordingChange reports that a recording file was written or removed.
type RecordingChange struct {
	ID      schema.RecordingID
	Removed bool
}

const watchDebounce = 150 * time.Millisecond

// Watch reports changes to the recordings directory until ctx is done.
// Bursts of events for one recording are coalesced.
func (s *Store) Watch(ctx context.Context) (<-chan RecordingChange, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.recordingsDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	out := make(chan RecordingChange, 16)
	go s.watchLoop(ctx, watcher, out)
	return out, nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- RecordingChange) {
	defer close(out)
	defer watcher.Close()
	pending := make(map[schema.RecordingID]time.Time)
	ticker := time.NewTicker(watchDebounce / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id, ok := recordingIDFromFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			pending[id] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("recordings watch error", "err", err)
		case now := <-ticker.C:
			for id, at := range pending {
				if now.Sub(at) < watchDebounce {
					continue
				}
				delete(pending, id)
				_, err := s.findRecording(id)
				change := RecordingChange{ID: id, Removed: err != nil}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
