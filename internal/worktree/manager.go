// Package worktree implements the Worktree Manager (spec.md §4.A): create,
// list, and remove git worktrees on demand, with auto-commit before removal.
//
// Grounded on internal/executor/worktree.go's WorktreeManager, generalized
// from the teacher's random /tmp/pilot-worktree-* naming to the spec's named
// <base_repo>/.claude_worktrees/<sanitized_task_name> layout.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/agentloop/internal/gitutil"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/task"
)

// Manager creates, lists, and removes git worktrees for tasks across
// however many base repositories those tasks' projects name. Operations for
// a single base repo are serialized via a per-repo mutex to avoid
// concurrent `git worktree add` races, mirroring the teacher's createMu.
type Manager struct {
	dirName  string // e.g. ".claude_worktrees"
	poolSize int    // per-repo warm pool size; 0 disables pooling

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	poolMu sync.Mutex
	pools  map[string][]*pooledWorktree // baseRepo -> pool
	active map[string][]poolAssignment  // taskID -> pooled worktrees it holds (a task with multiple WRITE_TARGETS projects can acquire more than one)

	log *slog.Logger
}

// pooledWorktree is a pre-created, detached-HEAD worktree awaiting Acquire.
type pooledWorktree struct {
	path      string
	createdAt time.Time
	inUse     bool
}

// poolAssignment records which base repo's pool a task's Acquire call drew
// from, so Release knows where to return it.
type poolAssignment struct {
	baseRepo string
	wt       *pooledWorktree
}

// New returns a Manager that places worktrees under <base_repo>/<dirName>,
// with warm-pool support disabled.
func New(dirName string) *Manager {
	return NewWithPool(dirName, 0)
}

// NewWithPool returns a Manager that, in addition to on-demand Create, can
// pre-warm poolSize detached-HEAD worktrees per base repo via WarmPool so
// Acquire can hand one out without paying the 500ms-2s `git worktree add`
// cost on the task's critical path. poolSize <= 0 disables pooling and
// Acquire behaves exactly like Create.
func NewWithPool(dirName string, poolSize int) *Manager {
	if dirName == "" {
		dirName = ".claude_worktrees"
	}
	return &Manager{
		dirName:  dirName,
		poolSize: poolSize,
		locks:    make(map[string]*sync.Mutex),
		pools:    make(map[string][]*pooledWorktree),
		active:   make(map[string][]poolAssignment),
		log:      logging.WithComponent("worktree"),
	}
}

func (m *Manager) repoLock(baseRepo string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[baseRepo]
	if !ok {
		l = &sync.Mutex{}
		m.locks[baseRepo] = l
	}
	return l
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	OK      bool
	Path    string
	Message string
	Created bool // true only if a new worktree was actually materialized
}

// Create implements spec.md §4.A's create operation.
func (m *Manager) Create(ctx context.Context, baseRepo, taskName, branchName, baseBranch string) (CreateResult, error) {
	lock := m.repoLock(baseRepo)
	lock.Lock()
	defer lock.Unlock()

	g := gitutil.New(baseRepo)
	if !g.IsRepo(ctx) {
		return CreateResult{}, fmt.Errorf("%s is not a git repository", baseRepo)
	}

	sanitized := Sanitize(taskName)
	targetPath := filepath.Join(baseRepo, m.dirName, sanitized)

	if branchName == "" {
		branchName = "task/" + sanitized
	}
	if baseBranch == "" {
		if cur, err := g.CurrentBranch(ctx); err == nil && cur != "" {
			baseBranch = cur
		} else {
			baseBranch = "main"
		}
	}

	existing, err := g.WorktreeList(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("list worktrees: %w", err)
	}

	// Target path exists and is a registered worktree: reuse.
	if info, statErr := os.Stat(targetPath); statErr == nil && info.IsDir() {
		for _, e := range existing {
			if samePath(e.Path, targetPath) {
				return CreateResult{OK: true, Path: targetPath, Message: "reused existing worktree"}, nil
			}
		}
		// Exists but not registered: clear it and continue.
		if err := os.RemoveAll(targetPath); err != nil {
			return CreateResult{}, fmt.Errorf("remove stale directory %s: %w", targetPath, err)
		}
	}

	// branch_name already checked out in another worktree: reuse that one.
	wantRef := "refs/heads/" + branchName
	for _, e := range existing {
		if e.Branch == wantRef {
			return CreateResult{OK: true, Path: e.Path, Message: "reused worktree for existing branch"}, nil
		}
	}

	if _, err := g.WorktreeAdd(ctx, targetPath, branchName, baseBranch); err != nil {
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "already checked out") {
			if _, err2 := g.WorktreeAddExistingBranch(ctx, targetPath, branchName); err2 != nil {
				return CreateResult{}, fmt.Errorf("worktree add fallback for existing branch: %w", err2)
			}
			return CreateResult{OK: true, Path: targetPath, Message: "created from existing branch", Created: true}, nil
		}
		return CreateResult{}, fmt.Errorf("worktree add: %w", err)
	}

	m.log.Info("created worktree", slog.String("path", targetPath), slog.String("branch", branchName))
	return CreateResult{OK: true, Path: targetPath, Message: "created", Created: true}, nil
}

// CreateMulti implements spec.md §4.A's create_multi: only write-access
// projects of a type other than idl get their own worktree; IDL projects,
// non-git paths, and read-access projects map to themselves.
func (m *Manager) CreateMulti(ctx context.Context, taskName string, projects []task.ProjectEntry, baseBranch string) (map[string]string, error) {
	out := make(map[string]string, len(projects))
	for _, p := range projects {
		if p.Access != task.AccessWrite || p.ProjectType == task.ProjectTypeIDL {
			out[p.Path] = p.Path
			continue
		}
		g := gitutil.New(p.Path)
		if !g.IsRepo(ctx) {
			out[p.Path] = p.Path
			continue
		}
		res, err := m.Create(ctx, p.Path, taskName, p.BranchName, firstNonEmpty(p.BaseBranch, baseBranch))
		if err != nil {
			return nil, fmt.Errorf("create worktree for %s: %w", p.Path, err)
		}
		out[p.Path] = res.Path
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// WarmPool pre-creates poolSize detached-HEAD worktrees under baseRepo for
// fast Acquire, per SPEC_FULL.md §10's opt-in worktree pool supplement. A
// no-op if pooling is disabled or the pool for baseRepo is already full.
func (m *Manager) WarmPool(ctx context.Context, baseRepo string) error {
	if m.poolSize <= 0 {
		return nil
	}

	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	pool := m.pools[baseRepo]
	if len(pool) >= m.poolSize {
		return nil
	}

	g := gitutil.New(baseRepo)
	base, err := g.DefaultBranch(ctx)
	if err != nil || base == "" {
		base = "HEAD"
	}

	m.log.Info("warming worktree pool", slog.String("repo", baseRepo), slog.Int("pool_size", m.poolSize))
	for i := len(pool); i < m.poolSize; i++ {
		path := filepath.Join(baseRepo, m.dirName, fmt.Sprintf("pool-%d", i))
		_ = os.RemoveAll(path)
		if _, err := g.WorktreeAddDetached(ctx, path, base); err != nil {
			m.log.Warn("failed to create pooled worktree", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		pool = append(pool, &pooledWorktree{path: path, createdAt: time.Now()})
	}
	m.pools[baseRepo] = pool
	m.log.Info("worktree pool warmed", slog.String("repo", baseRepo), slog.Int("created", len(pool)))
	return nil
}

// Acquire draws a pooled worktree for baseRepo and points it at branchName
// (created or reset from baseBranch), falling back to Create when the pool
// is disabled, empty, or preparation of the drawn worktree fails. The
// returned path must be handed to Release (not Remove) once the task is
// done with it.
func (m *Manager) Acquire(ctx context.Context, baseRepo, taskID, branchName, baseBranch string) (string, error) {
	if m.poolSize <= 0 {
		res, err := m.Create(ctx, baseRepo, taskID, branchName, baseBranch)
		if err != nil {
			return "", err
		}
		return res.Path, nil
	}

	m.poolMu.Lock()
	var drawn *pooledWorktree
	for _, wt := range m.pools[baseRepo] {
		if !wt.inUse {
			wt.inUse = true
			drawn = wt
			break
		}
	}
	m.poolMu.Unlock()

	if drawn == nil {
		m.log.Debug("worktree pool empty, falling back to Create", slog.String("task_id", taskID))
		res, err := m.Create(ctx, baseRepo, taskID, branchName, baseBranch)
		if err != nil {
			return "", err
		}
		return res.Path, nil
	}

	g := gitutil.New(drawn.path)
	base := baseBranch
	if base == "" {
		base = "HEAD"
	}
	if err := g.CleanAndReset(ctx, base); err != nil {
		m.poolMu.Lock()
		drawn.inUse = false
		m.poolMu.Unlock()
		m.log.Warn("failed to prepare pooled worktree, falling back to Create", slog.String("path", drawn.path), slog.Any("error", err))
		res, createErr := m.Create(ctx, baseRepo, taskID, branchName, baseBranch)
		if createErr != nil {
			return "", createErr
		}
		return res.Path, nil
	}
	if err := g.CheckoutNewBranch(ctx, branchName, base); err != nil {
		m.poolMu.Lock()
		drawn.inUse = false
		m.poolMu.Unlock()
		m.log.Warn("failed to checkout branch in pooled worktree, falling back to Create", slog.String("path", drawn.path), slog.Any("error", err))
		res, createErr := m.Create(ctx, baseRepo, taskID, branchName, baseBranch)
		if createErr != nil {
			return "", createErr
		}
		return res.Path, nil
	}

	m.mu.Lock()
	m.active[taskID] = append(m.active[taskID], poolAssignment{baseRepo: baseRepo, wt: drawn})
	m.mu.Unlock()

	m.log.Info("acquired pooled worktree", slog.String("task_id", taskID), slog.String("path", drawn.path))
	return drawn.path, nil
}

// tryReclaimPooled marks a pooled worktree at path as available again
// instead of destroying it, when CleanupOrphaned finds it no longer owned
// by any non-terminal task. This is the primary way pooled worktrees are
// returned: it works even if the Executor process that acquired the
// worktree exited without calling Release. Reports whether path was a
// pooled worktree (so the caller can skip physical removal).
func (m *Manager) tryReclaimPooled(baseRepo, path string) bool {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, wt := range m.pools[baseRepo] {
		if wt.path == path {
			wt.inUse = false
			return true
		}
	}
	return false
}

// Release returns every worktree taskID acquired via Acquire to their
// pools. Tasks whose worktree came from Create (pooling disabled or
// exhausted) should call Remove instead; Release is a no-op for a taskID it
// has no assignments for, and on a nil Manager.
func (m *Manager) Release(taskID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	assignments := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if len(assignments) == 0 {
		return
	}

	m.poolMu.Lock()
	for _, a := range assignments {
		a.wt.inUse = false
	}
	m.poolMu.Unlock()
	for _, a := range assignments {
		m.log.Info("released pooled worktree", slog.String("task_id", taskID), slog.String("path", a.wt.path))
	}
}

// RemoveResult is the outcome of Remove.
type RemoveResult struct {
	OK        bool
	Message   string
	CommitSHA string // set if an auto-commit happened
}

// Remove implements spec.md §4.A's remove operation: auto-commit dirty
// state first, then `git worktree remove`.
func (m *Manager) Remove(ctx context.Context, baseRepo, taskName, worktreePath string, force bool) (RemoveResult, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return RemoveResult{OK: true, Message: "already removed"}, nil
	}

	wg := gitutil.New(worktreePath)
	var commitSHA string
	if dirty, err := wg.IsDirty(ctx); err == nil && dirty {
		sha, commitErr := wg.CommitAll(ctx, fmt.Sprintf("Auto-commit changes before worktree cleanup for task: %s", taskName))
		if commitErr != nil {
			if !force {
				return RemoveResult{}, fmt.Errorf("refusing removal: auto-commit failed and force=false: %w", commitErr)
			}
		} else {
			commitSHA = sha
		}
	}

	bg := gitutil.New(baseRepo)
	if _, err := bg.WorktreeRemove(ctx, worktreePath, force); err != nil {
		if strings.Contains(err.Error(), "not a working tree") && force {
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				return RemoveResult{}, fmt.Errorf("rmtree after failed remove: %w", rmErr)
			}
			if _, pruneErr := bg.WorktreePrune(ctx); pruneErr != nil {
				m.log.Warn("worktree prune after forced rmtree failed", slog.Any("error", pruneErr))
			}
			return RemoveResult{OK: true, Message: "force-removed directory", CommitSHA: commitSHA}, nil
		}
		return RemoveResult{}, fmt.Errorf("worktree remove: %w", err)
	}

	return RemoveResult{OK: true, Message: "removed", CommitSHA: commitSHA}, nil
}

// DeleteBranch force-deletes branch in baseRepo. Missing branch is success.
func (m *Manager) DeleteBranch(ctx context.Context, baseRepo, branch string, force bool) (bool, string, error) {
	g := gitutil.New(baseRepo)
	if _, err := g.BranchDelete(ctx, branch, force); err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no such branch") {
			return true, "branch already gone", nil
		}
		return false, "", fmt.Errorf("branch delete: %w", err)
	}
	return true, "deleted", nil
}

// CleanupTaskWorktreeAndBranch combines Remove and DeleteBranch: "not
// found" for either step is treated as success, per spec.md §4.A.
func (m *Manager) CleanupTaskWorktreeAndBranch(ctx context.Context, baseRepo, taskName, worktreePath, branch string, force bool) error {
	if worktreePath != "" {
		if _, err := m.Remove(ctx, baseRepo, taskName, worktreePath, force); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	if branch != "" {
		if _, _, err := m.DeleteBranch(ctx, baseRepo, branch, force); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
	}
	return nil
}

// Record is a listed worktree, per spec.md §4.A's list operation.
type Record struct {
	Path   string
	Branch string
	Commit string
}

// List parses `git worktree list --porcelain` for baseRepo.
func (m *Manager) List(ctx context.Context, baseRepo string) ([]Record, error) {
	g := gitutil.New(baseRepo)
	entries, err := g.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Record{Path: e.Path, Branch: strings.TrimPrefix(e.Branch, "refs/heads/"), Commit: e.Commit})
	}
	return out, nil
}

// CleanupOrphaned removes worktrees under baseRepo that live inside this
// Manager's dirName but whose path is not in keep — the set of
// worktree_path values still owned by a non-terminal task. It returns the
// paths actually removed. Used by the scheduled maintenance job to reclaim
// worktrees left behind by a crash between the worktree being created and
// its path being persisted to the task row.
func (m *Manager) CleanupOrphaned(ctx context.Context, baseRepo string, keep map[string]bool, force bool) ([]string, error) {
	records, err := m.List(ctx, baseRepo)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var removed []string
	for _, r := range records {
		if !strings.Contains(r.Path, m.dirName) {
			continue
		}
		if keep[r.Path] {
			continue
		}
		if m.tryReclaimPooled(baseRepo, r.Path) {
			m.log.Info("reclaimed orphaned pooled worktree", slog.String("path", r.Path))
			continue
		}
		if _, err := m.Remove(ctx, baseRepo, filepath.Base(r.Path), r.Path, force); err != nil {
			return removed, fmt.Errorf("remove orphan worktree %s: %w", r.Path, err)
		}
		removed = append(removed, r.Path)
	}
	return removed, nil
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ca == cb
}
