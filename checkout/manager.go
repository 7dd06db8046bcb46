// Package checkout materializes and refreshes shallow git working trees,
// one per BranchKey, under a configured checkout root.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/izavyalov-dev/dispatchd/task"
)

var ErrCheckoutFailed = errors.New("checkout: git command failed")

// Slot is the exclusive working tree for one BranchKey. Its mutex is held
// for the whole lifetime of a task (checkout plus execution), not just the
// checkout step, so a concurrently-scheduled run for the same key never
// observes a half-updated tree.
type Slot struct {
	mu          sync.Mutex
	path        string
	initialised bool
}

// Path returns the working tree's filesystem path.
func (s *Slot) Path() string { return s.path }

// Lock acquires exclusive use of the slot for the duration of a task.
func (s *Slot) Lock()   { s.mu.Lock() }
func (s *Slot) Unlock() { s.mu.Unlock() }

// Manager hands out and refreshes Slots keyed by BranchKey.
type Manager struct {
	root string

	mu    sync.Mutex
	slots map[string]*Slot
}

func NewManager(root string) *Manager {
	return &Manager{root: root, slots: make(map[string]*Slot)}
}

// SlotFor returns the (possibly newly created) slot for key. It never
// touches the filesystem; callers must still call Prepare while holding
// the slot's lock.
func (m *Manager) SlotFor(key task.BranchKey) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := key.String()
	if slot, ok := m.slots[id]; ok {
		return slot
	}
	slot := &Slot{path: filepath.Join(m.root, key.Owner, key.Repo, key.Branch)}
	m.slots[id] = slot
	return slot
}

// Prepare refreshes the slot's working tree. On the slot's first use it
// shallow-clones the branch tip (sha is not consulted); otherwise it fetches
// and hard-resets the tree to sha, then removes untracked files. Callers
// must hold the slot's lock. On any VCS failure the slot is left
// uninitialised and its working tree removed, so the next Prepare call
// re-clones from scratch rather than retrying against a possibly corrupt
// tree.
func (m *Manager) Prepare(ctx context.Context, slot *Slot, key task.BranchKey, cloneURL, sha string) error {
	if err := os.MkdirAll(filepath.Dir(slot.path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir parent: %v", ErrCheckoutFailed, err)
	}

	if !slot.initialised {
		if err := m.clone(ctx, slot, key, cloneURL); err != nil {
			m.uninitialise(slot)
			return err
		}
		slot.initialised = true
		return nil
	}

	if err := m.fetch(ctx, slot); err != nil {
		m.uninitialise(slot)
		return err
	}
	if err := m.resetHard(ctx, slot, sha); err != nil {
		m.uninitialise(slot)
		return err
	}
	if err := m.cleanUntracked(ctx, slot); err != nil {
		m.uninitialise(slot)
		return err
	}
	return nil
}

// uninitialise marks slot as needing a fresh clone and removes its working
// tree. Callers must hold the slot's lock, which Prepare's callers already
// do for the duration of the task.
func (m *Manager) uninitialise(slot *Slot) {
	slot.initialised = false
	os.RemoveAll(slot.path)
}

func (m *Manager) clone(ctx context.Context, slot *Slot, key task.BranchKey, cloneURL string) error {
	cmd := exec.CommandContext(ctx, "git", "clone",
		"--depth=1", "--single-branch", "-b", key.Branch,
		cloneURL, slot.path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git clone: %v: %s", ErrCheckoutFailed, err, out)
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, slot *Slot) error {
	cmd := exec.CommandContext(ctx, "git", "-C", slot.path, "fetch", "--depth=1", "origin")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git fetch: %v: %s", ErrCheckoutFailed, err, out)
	}
	return nil
}

func (m *Manager) resetHard(ctx context.Context, slot *Slot, sha string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", slot.path, "reset", "--hard", sha)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git reset: %v: %s", ErrCheckoutFailed, err, out)
	}
	return nil
}

func (m *Manager) cleanUntracked(ctx context.Context, slot *Slot) error {
	cmd := exec.CommandContext(ctx, "git", "-C", slot.path, "clean", "-fdx")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git clean: %v: %s", ErrCheckoutFailed, err, out)
	}
	return nil
}
