package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func sampleState(t *testing.T) *State {
	t.Helper()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(30 * time.Minute)
	st := NewState()
	st.Tasks["t1"] = &Task{
		TaskID:        "t1",
		WorkerType:    WorkerAuto,
		Prompt:        "fix the flaky test",
		Repository:    "ex/repo",
		BaseBranch:    "main",
		WebhookURL:    "https://hooks.example.com/t1",
		WebhookSecret: "whsec_aa",
		Status:        StatusRunning,
		SessionName:   "coderelay-t1",
		WorktreePath:  "/work/t1",
		LogPath:       "/logs/t1.log",
		CreatedAt:     created,
	}
	st.Tasks["t2"] = &Task{
		TaskID:      "t2",
		WorkerType:  WorkerOpus,
		Status:      StatusCompleted,
		Repository:  "ex/repo",
		BaseBranch:  "main",
		CreatedAt:   created,
		CompletedAt: &completed,
		Result:      &TaskResult{PRURL: "https://github.com/ex/repo/pull/7", Branch: "coderelay/t2", Commits: 3},
	}
	st.GitHubToken = &InstallationCredential{
		Token:     "ghs_example",
		ExpiresAt: created.Add(time.Hour),
	}
	st.PendingWebhooks = []PendingWebhook{{
		TaskID:        "t2",
		URL:           "https://hooks.example.com/t2",
		Payload:       []byte(`{"status":"completed","taskId":"t2"}`),
		Signature:     "abc",
		Timestamp:     1700000000000,
		Attempts:      2,
		NextAttemptAt: created.Add(time.Minute),
	}}
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	want := sampleState(t)

	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Load(Save(state)) mismatch:\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestLoadAbsentFileReturnsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Tasks) != 0 || st.GitHubToken != nil || len(st.PendingWebhooks) != 0 {
		t.Fatalf("Load() of absent file = %+v, want empty state", st)
	}
}

func TestLoadRemovesStaleTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)

	if err := store.Save(sampleState(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Simulate a crash mid-save.
	if err := os.WriteFile(path+".tmp", []byte("{trunc"), 0644); err != nil {
		t.Fatalf("failed to plant temp file: %v", err)
	}

	if _, err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("stale temp file survived Load()")
	}
}

func TestLoadCorruptFilePropagates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}
	if _, err := NewStore(path).Load(); err == nil {
		t.Fatalf("Load() of corrupt file succeeded, want error")
	}
}

func TestSaveIsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.json"))

	if err := store.Save(sampleState(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	st2 := NewState()
	if err := store.Save(st2); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("unexpected files after Save: %v", entries)
	}
}

func TestDetectOrphanWorktrees(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"t1", "stray-a", "stray-b"} {
		if err := os.Mkdir(filepath.Join(base, name), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	// Plain files are not worktrees and must be ignored.
	if err := os.WriteFile(filepath.Join(base, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	st := NewState()
	st.Tasks["t1"] = &Task{TaskID: "t1", Status: StatusRunning}

	orphans, err := DetectOrphanWorktrees(base, st)
	if err != nil {
		t.Fatalf("DetectOrphanWorktrees() error = %v", err)
	}
	want := []string{filepath.Join(base, "stray-a"), filepath.Join(base, "stray-b")}
	if !reflect.DeepEqual(orphans, want) {
		t.Fatalf("orphans = %v, want %v", orphans, want)
	}
}

func TestDetectOrphanWorktreesMissingBase(t *testing.T) {
	orphans, err := DetectOrphanWorktrees(filepath.Join(t.TempDir(), "absent"), NewState())
	if err != nil {
		t.Fatalf("DetectOrphanWorktrees() error = %v", err)
	}
	if orphans != nil {
		t.Fatalf("orphans = %v, want nil", orphans)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Errorf("running reported terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusInterrupted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not reported terminal", s)
		}
	}
}

func TestRunningCount(t *testing.T) {
	st := sampleState(t)
	if got := st.RunningCount(); got != 1 {
		t.Fatalf("RunningCount() = %d, want 1", got)
	}
}
