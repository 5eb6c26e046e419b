package taskstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func sampleRun(id string) *domain.TaskRun {
	started := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return &domain.TaskRun{
		RunID:       id,
		TaskPath:    "tasks/refactor.md",
		ProjectRoot: "/repo",
		Role:        "coder",
		Status:      domain.RunRunning,
		CreatedAt:   time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		Tasks: []domain.TaskItem{
			{ID: "a", Title: "First", Status: domain.StatusDone, Files: []string{"src/a.ts"}, Description: "do a",
				Attempts: 1, StartedAt: &started, CompletedAt: &started, ChangedFiles: []string{"src/a.ts"},
				Verification: &domain.Verification{OK: true, Notes: []string{"ts_check passed", "scope ok"}},
				Logs:         []domain.LogEntry{{At: started, Type: domain.LogInfo, Message: "ok"}}},
			{ID: "b", Title: "Second", Status: domain.StatusFailed, Files: []string{}, Description: "do b",
				LastError: "boom", Reverted: domain.BoolPtr(true),
				Verification: &domain.Verification{Notes: []string{"TypeScript errors: 1"},
					TSErrors: []domain.Diagnostic{{File: "src/b.ts", Line: 3, Column: 1, Code: 2304, Message: "x"}}}},
			{ID: "c", Title: "Third", Status: domain.StatusPending},
			{ID: "d", Title: "Fourth", Status: domain.StatusInProgress, Logs: []domain.LogEntry{}},
			{ID: "e", Title: "Fifth", Status: domain.StatusSkipped},
		},
	}
}

func newStore(t *testing.T, clock *fakeClock, opts ...Option) *FileStore {
	t.Helper()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return NewFileStore(filepath.Join(t.TempDir(), "docs", "plans"), all...)
}

func TestFileStore_RoundTrip(t *testing.T) {
	s := newStore(t, newClock())

	runs := []*domain.TaskRun{sampleRun("full"), {RunID: "empty", Status: domain.RunDraft, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}
	for _, run := range runs {
		require.NoError(t, s.Save(run))
		got, err := s.Load(run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run, got)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := newStore(t, newClock())
	got, err := s.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStore_InvalidRunID(t *testing.T) {
	s := newStore(t, newClock())
	for _, id := range []string{"", "../x", "a/b", "a.b", "a b"} {
		_, err := s.Load(id)
		assert.ErrorIs(t, err, ErrInvalidRunID, id)
		_, err = s.Acquire(id)
		assert.ErrorIs(t, err, ErrInvalidRunID, id)
	}
}

func TestFileStore_SaveSetsUpdatedAtAndLeavesNoTemp(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock)
	run := sampleRun("r1")

	require.NoError(t, s.Save(run))
	assert.Equal(t, clock.Now(), run.UpdatedAt)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1"+StateSuffix, entries[0].Name())
}

func TestFileStore_SaveRetriesTransientRename(t *testing.T) {
	s := newStore(t, newClock(), WithSaveRetries(3))
	var sleeps []time.Duration
	s.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	failures := 2
	s.rename = func(oldpath, newpath string) error {
		if failures > 0 {
			failures--
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EBUSY}
		}
		return os.Rename(oldpath, newpath)
	}

	require.NoError(t, s.Save(sampleRun("r1")))
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, sleeps)

	got, err := s.Load("r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RunID)
}

func TestFileStore_SaveFallsBackToCopy(t *testing.T) {
	s := newStore(t, newClock(), WithSaveRetries(2))
	var sleeps int
	s.sleep = func(time.Duration) { sleeps++ }
	s.rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
	}

	require.NoError(t, s.Save(sampleRun("r1")))
	assert.Equal(t, 2, sleeps)

	got, err := s.Load("r1")
	require.NoError(t, err)
	require.NotNil(t, got)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is removed after the copy")
}

func TestFileStore_SaveDoesNotRetryPermanentErrors(t *testing.T) {
	s := newStore(t, newClock())
	s.sleep = func(time.Duration) { t.Fatal("unexpected retry") }
	s.rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	require.NoError(t, s.Save(sampleRun("r1")), "copy fallback still saves")
}

func TestFileStore_AcquireAndConflict(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock)
	require.NoError(t, s.Save(sampleRun("r1")))

	token, err := s.Acquire("r1")
	require.NoError(t, err)
	assert.Regexp(t, `^lock_\d+_[0-9a-f]{8}$`, token)

	run, err := s.Load("r1")
	require.NoError(t, err)
	require.NotNil(t, run.Lock)
	assert.Equal(t, token, run.Lock.HeldBy)
	assert.Equal(t, "2026-05-04T10:10:00Z", run.Lock.ExpiresAt)

	_, err = s.Acquire("r1")
	require.ErrorIs(t, err, ErrLockConflict)
	var conflict *LockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, token, conflict.HeldBy)

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.AcquireAs("r1", token), "re-acquire is idempotent for the holder")
	run, _ = s.Load("r1")
	assert.Equal(t, "2026-05-04T10:15:00Z", run.Lock.ExpiresAt)
}

func TestFileStore_AcquireMissingRun(t *testing.T) {
	s := newStore(t, newClock())
	_, err := s.Acquire("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFileStore_StaleLockIsCleared(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, WithLockTTL(2*time.Minute))
	require.NoError(t, s.Save(sampleRun("r1")))

	first, err := s.Acquire("r1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	second, err := s.Acquire("r1")
	require.NoError(t, err, "an expired lock never blocks a new acquirer")
	assert.NotEqual(t, first, second)
}

func TestFileStore_UnparsableLockIsStale(t *testing.T) {
	s := newStore(t, newClock())
	run := sampleRun("r1")
	run.Lock = &domain.RunLock{HeldBy: "someone", AcquiredAt: "yesterday", ExpiresAt: "2999-01-01T00:00:00Z"}
	require.NoError(t, s.Save(run))

	_, err := s.Acquire("r1")
	assert.NoError(t, err)
}

func TestFileStore_Release(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock)
	require.NoError(t, s.Save(sampleRun("r1")))

	token, err := s.Acquire("r1")
	require.NoError(t, err)

	require.NoError(t, s.Release("r1", "someone-else"))
	run, _ := s.Load("r1")
	require.NotNil(t, run.Lock, "a foreign token never clears a live lock")

	require.NoError(t, s.Release("r1", token))
	run, _ = s.Load("r1")
	assert.Nil(t, run.Lock)

	require.NoError(t, s.Release("r1", token), "releasing twice is harmless")

	other, err := s.Acquire("r1")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, s.Release("r1", token))
	run, _ = s.Load("r1")
	assert.Nil(t, run.Lock, "stale locks are cleared by anyone, held by %s", other)
}

func TestFileStore_Update(t *testing.T) {
	s := newStore(t, newClock())
	require.NoError(t, s.Save(sampleRun("r1")))

	token, err := s.Acquire("r1")
	require.NoError(t, err)

	run, err := s.Update("r1", token, func(r *domain.TaskRun) error {
		r.Task("c").Status = domain.StatusInProgress
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, run.Task("c").Status)

	_, err = s.Update("r1", "stolen", func(*domain.TaskRun) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotHeld)

	boom := errors.New("boom")
	_, err = s.Update("r1", token, func(r *domain.TaskRun) error {
		r.Role = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	loaded, _ := s.Load("r1")
	assert.Equal(t, "coder", loaded.Role, "a failing update is not saved")
}

func TestFileStore_ConcurrentAcquireHasOneWinner(t *testing.T) {
	clock := newClock()
	dir := filepath.Join(t.TempDir(), "plans")
	// Two stores over one directory behave like two processes.
	stores := []*FileStore{NewFileStore(dir, WithClock(clock.Now)), NewFileStore(dir, WithClock(clock.Now))}
	require.NoError(t, stores[0].Save(sampleRun("r1")))

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners, conflicts int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(s *FileStore) {
			defer wg.Done()
			_, err := s.Acquire("r1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrLockConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(stores[i%2])
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, conflicts)
}

func TestFileStore_AbandonedGuardFile(t *testing.T) {
	s := newStore(t, newClock())
	require.NoError(t, s.Save(sampleRun("r1")))

	guard := filepath.Join(s.Dir(), "r1"+guardSuffix)
	require.NoError(t, os.WriteFile(guard, []byte("1\n"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(guard, old, old))

	_, err := s.Acquire("r1")
	require.NoError(t, err)
	_, err = os.Stat(guard)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_ListAndClearStaleLocks(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock)

	older := sampleRun("older")
	newer := sampleRun("newer")
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))
	require.NoError(t, s.WritePlan("newer", "# Task Plan\n"))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].RunID)

	_, err = s.Acquire("older")
	require.NoError(t, err)
	cleared, err := s.ClearStaleLocks()
	require.NoError(t, err)
	assert.Empty(t, cleared)

	clock.Advance(DefaultLockTTL + time.Second)
	cleared, err = s.ClearStaleLocks()
	require.NoError(t, err)
	assert.Equal(t, []string{"older"}, cleared)

	run, _ := s.Load("older")
	assert.Nil(t, run.Lock)

	md, err := s.ReadPlan("newer")
	require.NoError(t, err)
	assert.Equal(t, "# Task Plan\n", md)
}

func TestPlansDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", "docs", "plans"), PlansDir("/repo", ""))
	assert.Equal(t, filepath.Join("/repo", "plans"), PlansDir("/repo", "plans"))
	assert.Equal(t, "/abs/plans", PlansDir("/repo", "/abs/plans"))
}
