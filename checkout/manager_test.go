package checkout

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/izavyalov-dev/dispatchd/task"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

func newRemoteRepo(t *testing.T) (path, sha string) {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	if err := os.MkdirAll(remote, 0o755); err != nil {
		t.Fatal(err)
	}
	runGit(t, remote, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(remote, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, remote, "add", ".")
	runGit(t, remote, "commit", "-m", "initial")
	out := runGit(t, remote, "rev-parse", "HEAD")
	return remote, trimNewline(out)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestPrepareClonesThenReuses(t *testing.T) {
	remote, sha := newRemoteRepo(t)
	root := t.TempDir()
	mgr := NewManager(root)
	key := task.BranchKey{Owner: "acme", Repo: "widgets", Branch: "main"}

	slot := mgr.SlotFor(key)
	slot.Lock()
	if err := mgr.Prepare(context.Background(), slot, key, remote, sha); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	slot.Unlock()

	if _, err := os.Stat(filepath.Join(slot.Path(), "README.md")); err != nil {
		t.Fatalf("expected checked-out file: %v", err)
	}

	sameSlot := mgr.SlotFor(key)
	if sameSlot != slot {
		t.Fatal("expected SlotFor to return the same slot for the same key")
	}

	sameSlot.Lock()
	defer sameSlot.Unlock()
	if err := mgr.Prepare(context.Background(), sameSlot, key, remote, sha); err != nil {
		t.Fatalf("second prepare (fetch+reset path): %v", err)
	}
}

func TestPrepareRecoversFromFailedResetByRecloning(t *testing.T) {
	remote, sha := newRemoteRepo(t)
	root := t.TempDir()
	mgr := NewManager(root)
	key := task.BranchKey{Owner: "acme", Repo: "widgets", Branch: "main"}

	slot := mgr.SlotFor(key)
	slot.Lock()
	if err := mgr.Prepare(context.Background(), slot, key, remote, sha); err != nil {
		t.Fatalf("initial prepare: %v", err)
	}

	if err := mgr.Prepare(context.Background(), slot, key, remote, "0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected prepare with a bogus sha to fail")
	}
	slot.Unlock()

	if slot.initialised {
		t.Fatal("expected slot to be left uninitialised after a failed reset")
	}
	if _, err := os.Stat(slot.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected working tree to be removed after a failed reset, stat err = %v", err)
	}

	slot.Lock()
	defer slot.Unlock()
	if err := mgr.Prepare(context.Background(), slot, key, remote, sha); err != nil {
		t.Fatalf("prepare after recovery should re-clone cleanly: %v", err)
	}
	if !slot.initialised {
		t.Fatal("expected slot to be initialised after a successful re-clone")
	}
}

func TestSlotForIsolatesDistinctBranches(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root)
	main := mgr.SlotFor(task.BranchKey{Owner: "acme", Repo: "widgets", Branch: "main"})
	dev := mgr.SlotFor(task.BranchKey{Owner: "acme", Repo: "widgets", Branch: "dev"})
	if main.Path() == dev.Path() {
		t.Fatalf("expected distinct paths, got %q for both", main.Path())
	}
}
