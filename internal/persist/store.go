// Package persist stores recordings and run history on disk.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/cdpreplay/schema"
)

// recordingExts are the file extensions recognised as recordings, in
// lookup order.
var recordingExts = []string{".json", ".yaml", ".yml"}

// Options configures a Store.
type Options struct {
	RecordingsDir string
	RunsDir       string
	// MaxRuns caps the stored history per recording.
	MaxRuns int
	Logger  pslog.Logger
}

// Store persists recordings and run results to disk.
type Store struct {
	recordingsDir string
	runsDir       string
	maxRuns       int
	log           pslog.Logger

	// mu serialises history read-modify-write cycles.
	mu sync.Mutex
}

// NewStore constructs a store, creating its directories.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.RecordingsDir) == "" {
		return nil, errors.New("recordings directory is required")
	}
	if strings.TrimSpace(opts.RunsDir) == "" {
		return nil, errors.New("runs directory is required")
	}
	for _, dir := range []string{opts.RecordingsDir, opts.RunsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	maxRuns := opts.MaxRuns
	if maxRuns <= 0 {
		maxRuns = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		recordingsDir: opts.RecordingsDir,
		runsDir:       opts.RunsDir,
		maxRuns:       maxRuns,
		log:           logger.With("recordings_dir", opts.RecordingsDir),
	}, nil
}

// RecordingsDir returns the directory recordings are read from.
func (s *Store) RecordingsDir() string { return s.recordingsDir }

// GetRecording loads one recording by id.
func (s *Store) GetRecording(_ context.Context, id schema.RecordingID) (schema.Recording, error) {
	path, err := s.findRecording(id)
	if err != nil {
		return schema.Recording{}, err
	}
	rec, err := ReadRecordingFile(path)
	if err != nil {
		s.log.Warn("recording load failed", "recording", id, "err", err)
		return schema.Recording{}, err
	}
	rec.ID = id
	return rec, nil
}

// ListRecordings loads every readable recording, sorted by id. Unreadable
// files are logged and skipped.
func (s *Store) ListRecordings(_ context.Context) ([]schema.Recording, error) {
	entries, err := os.ReadDir(s.recordingsDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[schema.RecordingID]bool)
	var out []schema.Recording
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := recordingIDFromFile(entry.Name())
		if !ok || seen[id] {
			continue
		}
		path, err := s.findRecording(id)
		if err != nil {
			continue
		}
		rec, err := ReadRecordingFile(path)
		if err != nil {
			s.log.Warn("recording skipped", "file", entry.Name(), "err", err)
			continue
		}
		rec.ID = id
		seen[id] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.log.Debug("recordings listed", "count", len(out))
	return out, nil
}

// SaveRecording writes the recording as JSON, replacing any YAML copy.
func (s *Store) SaveRecording(_ context.Context, rec schema.Recording) error {
	id, err := schema.NormalizeRecordingID(string(rec.ID))
	if err != nil {
		return err
	}
	rec.ID = id
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.recordingsDir, string(id)+".json")
	if err := WriteFileAtomic(path, data); err != nil {
		s.log.Warn("recording save failed", "recording", id, "err", err)
		return err
	}
	for _, ext := range recordingExts[1:] {
		_ = os.Remove(filepath.Join(s.recordingsDir, string(id)+ext))
	}
	s.log.Trace("recording save ok", "recording", id, "steps", len(rec.Steps))
	return nil
}

// DeleteRecording removes every file stored for the recording. Its history
// is kept.
func (s *Store) DeleteRecording(_ context.Context, id schema.RecordingID) error {
	removed := false
	for _, ext := range recordingExts {
		err := os.Remove(filepath.Join(s.recordingsDir, string(id)+ext))
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%s: %w", id, schema.ErrRecordingNotFound)
	}
	return nil
}

func (s *Store) findRecording(id schema.RecordingID) (string, error) {
	if _, err := schema.NormalizeRecordingID(string(id)); err != nil {
		return "", err
	}
	for _, ext := range recordingExts {
		path := filepath.Join(s.recordingsDir, string(id)+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, schema.ErrRecordingNotFound)
}

func recordingIDFromFile(name string) (schema.RecordingID, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range recordingExts {
		if ext != known {
			continue
		}
		id, err := schema.NormalizeRecordingID(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			return "", false
		}
		return id, true
	}
	return "", false
}

// ReadRecordingFile decodes a JSON or YAML recording. The id is taken from
// the file name when the document does not carry one.
func ReadRecordingFile(path string) (schema.Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Recording{}, err
	}
	rec, err := DecodeRecording(data, filepath.Ext(path))
	if err != nil {
		return schema.Recording{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if rec.ID == "" {
		id, _ := recordingIDFromFile(filepath.Base(path))
		rec.ID = id
	}
	return rec, nil
}

// DecodeRecording parses a recording document. YAML is converted to JSON
// first so both formats share the selector group rules.
func DecodeRecording(data []byte, ext string) (schema.Recording, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return schema.Recording{}, fmt.Errorf("%w: %v", schema.ErrInvalidRecording, err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return schema.Recording{}, fmt.Errorf("%w: %v", schema.ErrInvalidRecording, err)
		}
		data = converted
	}
	var rec schema.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return schema.Recording{}, fmt.Errorf("%w: %v", schema.ErrInvalidRecording, err)
	}
	return rec, nil
}

// AppendRunResult adds a result to the recording's history, dropping the
// oldest entries beyond the cap.
func (s *Store) AppendRunResult(_ context.Context, result schema.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, err := s.loadHistory(result.RecordingID)
	if err != nil {
		return err
	}
	history = append(history, result)
	if len(history) > s.maxRuns {
		history = history[len(history)-s.maxRuns:]
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(s.historyPath(result.RecordingID), data); err != nil {
		s.log.Warn("history save failed", "recording", result.RecordingID, "err", err)
		return err
	}
	s.log.Trace("history save ok", "recording", result.RecordingID, "runs", len(history))
	return nil
}

// ListRunResults returns up to limit results, newest first. A limit of
// zero or less returns everything.
func (s *Store) ListRunResults(_ context.Context, id schema.RecordingID, limit int) ([]schema.RunResult, error) {
	s.mu.Lock()
	history, err := s.loadHistory(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]schema.RunResult, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) loadHistory(id schema.RecordingID) ([]schema.RunResult, error) {
	if _, err := schema.NormalizeRecordingID(string(id)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.historyPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var history []schema.RunResult
	if err := json.Unmarshal(data, &history); err != nil {
		s.log.Warn("history load failed", "recording", id, "err", err)
		return nil, err
	}
	return history, nil
}

func (s *Store) historyPath(id schema.RecordingID) string {
	return filepath.Join(s.runsDir, string(id)+".json")
}

// WriteFileAtomic replaces path with data through a synced temp file in the
// same directory. The result is readable by the owner only.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	return nil
}
