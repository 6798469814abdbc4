package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/cdpreplay/schema"
)

func newTestStore(t *testing.T, maxRuns int) *Store {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(Options{
		RecordingsDir: filepath.Join(root, "recordings"),
		RunsDir:       filepath.Join(root, "runs"),
		MaxRuns:       maxRuns,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleRecording(id string) schema.Recording {
	return schema.Recording{
		ID:    schema.RecordingID(id),
		Title: "Sample " + id,
		Steps: []schema.Step{
			{Type: schema.StepNavigate, URL: "https://example.test/"},
			{Type: schema.StepClick, Selectors: []schema.SelectorGroup{{"#go", "aria/Go"}}},
		},
	}
}

func TestNewStoreRequiresDirs(t *testing.T) {
	if _, err := NewStore(Options{RunsDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error without recordings dir")
	}
	if _, err := NewStore(Options{RecordingsDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error without runs dir")
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.SaveRecording(ctx, sampleRecording("login")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetRecording(ctx, "login")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Sample login" || len(got.Steps) != 2 {
		t.Fatalf("unexpected recording %+v", got)
	}
	if c := got.Steps[1].Candidates(); len(c) != 2 || c[1] != "aria/Go" {
		t.Fatalf("selectors not preserved: %v", c)
	}
	info, err := os.Stat(filepath.Join(store.RecordingsDir(), "login.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestGetRecordingMissing(t *testing.T) {
	store := newTestStore(t, 0)
	_, err := store.GetRecording(context.Background(), "nope")
	if !errors.Is(err, schema.ErrRecordingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetRecording(context.Background(), "../etc"); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestYAMLRecording(t *testing.T) {
	store := newTestStore(t, 0)
	doc := `title: Checkout
steps:
  - type: navigate
    url: https://shop.test/
  - type: click
    selectors:
      - "#buy"
      - ["aria/Buy", "text/Buy"]
`
	if err := os.WriteFile(filepath.Join(store.RecordingsDir(), "checkout.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := store.GetRecording(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != "checkout" || rec.Title != "Checkout" {
		t.Fatalf("unexpected identity %q %q", rec.ID, rec.Title)
	}
	want := []string{"#buy", "aria/Buy", "text/Buy"}
	got := rec.Steps[1].Candidates()
	if len(got) != len(want) {
		t.Fatalf("candidates = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v", got)
		}
	}
}

func TestListRecordingsSkipsBrokenFiles(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if err := store.SaveRecording(ctx, sampleRecording(id)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	dir := store.RecordingsDir()
	_ = os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600)
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
	list, err := store.ListRecordings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestSaveReplacesYAMLCopy(t *testing.T) {
	store := newTestStore(t, 0)
	yamlPath := filepath.Join(store.RecordingsDir(), "flow.yml")
	_ = os.WriteFile(yamlPath, []byte("title: old\nsteps: [{type: wait, duration: 1}]\n"), 0o600)
	if err := store.SaveRecording(context.Background(), sampleRecording("flow")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(yamlPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected yaml copy removed, got %v", err)
	}
}

func TestDeleteRecording(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.SaveRecording(ctx, sampleRecording("gone")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteRecording(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteRecording(ctx, "gone"); !errors.Is(err, schema.ErrRecordingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunHistoryCapAndOrder(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		result := schema.RunResult{
			RunID:       schema.RunID("run-" + string(rune('a'+i))),
			RecordingID: "login",
			Passed:      i%2 == 0,
			StartedAt:   time.Unix(int64(i), 0).UTC(),
		}
		if err := store.AppendRunResult(ctx, result); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := store.ListRunResults(ctx, "login", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run-e" || all[2].RunID != "run-c" {
		t.Fatalf("unexpected history %+v", all)
	}
	limited, err := store.ListRunResults(ctx, "login", 1)
	if err != nil || len(limited) != 1 || limited[0].RunID != "run-e" {
		t.Fatalf("limited = %+v, %v", limited, err)
	}
	empty, err := store.ListRunResults(ctx, "other", 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty = %+v, %v", empty, err)
	}
}

func TestWatchReportsChanges(t *testing.T) {
	store := newTestStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := store.SaveRecording(ctx, sampleRecording("watched")); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case change := <-changes:
		if change.ID != "watched" || change.Removed {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	if err := store.DeleteRecording(ctx, "watched"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case change := <-changes:
		if change.ID != "watched" || !change.Removed {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for removal")
	}
	cancel()
	for range changes {
	}
}
