package taskstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
)

// File suffixes of the per-run records
const (
	StateSuffix = ".tasks.json"
	PlanSuffix  = ".tasks.md"
	guardSuffix = ".guard"
)

// Defaults used when no option overrides them
const (
	DefaultLockTTL     = 10 * time.Minute
	DefaultSaveRetries = 5
	defaultSaveDelay   = 50 * time.Millisecond
	guardPoll          = 10 * time.Millisecond
	guardTimeout       = 10 * time.Second
	guardStale         = 30 * time.Second
)

var runIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRunID reports whether id is usable as a run identifier
func ValidRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// PlansDir returns the directory holding run records for a project
func PlansDir(projectRoot, plansDir string) string {
	if plansDir == "" {
		plansDir = filepath.Join("docs", "plans")
	}
	if filepath.IsAbs(plansDir) {
		return plansDir
	}
	return filepath.Join(projectRoot, plansDir)
}

// FileStore persists one JSON state record per run in a directory. Writes
// are atomic; a reader never observes a partially written record.
type FileStore struct {
	dir         string
	ttl         time.Duration
	saveRetries int
	saveDelay   time.Duration
	logger      *zap.Logger
	keyed       keyedMutex

	now    func() time.Time
	sleep  func(time.Duration)
	rename func(oldpath, newpath string) error
}

// Option configures a FileStore
type Option func(*FileStore)

// WithLockTTL sets the lifetime of newly acquired locks
func WithLockTTL(ttl time.Duration) Option {
	return func(s *FileStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSaveRetries sets how often a failed rename is retried before the copy fallback
func WithSaveRetries(n int) Option {
	return func(s *FileStore) {
		if n >= 0 {
			s.saveRetries = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *FileStore) { s.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates a store over dir. The directory is created on first write.
func NewFileStore(dir string, opts ...Option) *FileStore {
	s := &FileStore{
		dir:         dir,
		ttl:         DefaultLockTTL,
		saveRetries: DefaultSaveRetries,
		saveDelay:   defaultSaveDelay,
		now:         time.Now,
		sleep:       time.Sleep,
		rename:      os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Dir returns the directory of the store
func (s *FileStore) Dir() string { return s.dir }

// LockTTL returns the lifetime of new locks
func (s *FileStore) LockTTL() time.Duration { return s.ttl }

// StatePath returns the JSON record path of a run
func (s *FileStore) StatePath(runID string) (string, error) {
	if !ValidRunID(runID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(s.dir, runID+StateSuffix), nil
}

// PlanPath returns the markdown plan document path of a run
func (s *FileStore) PlanPath(runID string) (string, error) {
	if !ValidRunID(runID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(s.dir, runID+PlanSuffix), nil
}

// Load reads a run. It returns nil, nil when the run does not exist.
func (s *FileStore) Load(runID string) (*domain.TaskRun, error) {
	path, err := s.StatePath(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	var run domain.TaskRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return &run, nil
}

// Save writes a run atomically and sets its UpdatedAt
func (s *FileStore) Save(run *domain.TaskRun) error {
	path, err := s.StatePath(run.RunID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating plans dir: %w", err)
	}

	run.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.RunID, err)
	}
	return s.writeAtomic(path, data)
}

// WritePlan writes the markdown plan document of a run atomically
func (s *FileStore) WritePlan(runID, md string) error {
	path, err := s.PlanPath(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating plans dir: %w", err)
	}
	return s.writeAtomic(path, []byte(md))
}

// ReadPlan reads the markdown plan document of a run
func (s *FileStore) ReadPlan(runID string) (string, error) {
	path, err := s.PlanPath(runID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeAtomic writes to a sibling temp file, syncs it and renames it into
// place. Transient rename failures are retried with increasing backoff
// before falling back to copy-then-delete.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d-%s", path, s.now().UnixNano(), randomHex(4))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}

	delay := s.saveDelay
	for attempt := 0; ; attempt++ {
		err = s.rename(tmp, path)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= s.saveRetries {
			break
		}
		s.logger.Debug("rename failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		s.sleep(delay)
		delay *= 2
	}

	s.logger.Warn("rename failed, falling back to copy", zap.String("path", path), zap.Error(err))
	if copyErr := os.WriteFile(path, data, 0644); copyErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("saving %s: rename: %v; copy: %w", filepath.Base(path), err, copyErr)
	}
	os.Remove(tmp)
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.ETXTBSY)
}

// List returns every run in the store, newest first
func (s *FileStore) List() ([]*domain.TaskRun, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var runs []*domain.TaskRun
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, StateSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, StateSuffix)
		if !ValidRunID(id) {
			continue
		}
		run, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// Acquire takes the run lock with a new token
func (s *FileStore) Acquire(runID string) (string, error) {
	token := newLockToken(s.now())
	if err := s.AcquireAs(runID, token); err != nil {
		return "", err
	}
	return token, nil
}

// AcquireAs takes the run lock for token. Stale locks are cleared first. It
// is idempotent for the current holder, which gets a fresh expiry.
func (s *FileStore) AcquireAs(runID, token string) error {
	unlock, err := s.lockRun(runID)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := s.Load(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	now := s.now()
	if run.Lock != nil && run.Lock.Stale(now) {
		s.logger.Info("clearing stale run lock",
			zap.String("run_id", runID),
			zap.String("held_by", run.Lock.HeldBy),
			zap.String("expires_at", run.Lock.ExpiresAt))
		run.Lock = nil
	}
	if run.Lock != nil && run.Lock.HeldBy != token {
		return &LockConflictError{RunID: runID, HeldBy: run.Lock.HeldBy, ExpiresAt: run.Lock.ExpiresAt}
	}

	run.Lock = domain.NewRunLock(token, now, s.ttl)
	return s.Save(run)
}

// Release clears the run lock if token still holds it or it has gone
// stale. A lock held by someone else is left alone.
func (s *FileStore) Release(runID, token string) error {
	unlock, err := s.lockRun(runID)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := s.Load(runID)
	if err != nil || run == nil || run.Lock == nil {
		return err
	}
	if run.Lock.HeldBy != token && !run.Lock.Stale(s.now()) {
		s.logger.Debug("not releasing lock held by another caller",
			zap.String("run_id", runID),
			zap.String("held_by", run.Lock.HeldBy))
		return nil
	}
	run.Lock = nil
	return s.Save(run)
}

// Update loads a run, applies fn and saves the result under the run's
// guard. With a non-empty token the caller must still hold the lock.
func (s *FileStore) Update(runID, token string, fn func(*domain.TaskRun) error) (*domain.TaskRun, error) {
	unlock, err := s.lockRun(runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if token != "" && (run.Lock == nil || run.Lock.HeldBy != token) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotHeld, runID)
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	if err := s.Save(run); err != nil {
		return nil, err
	}
	return run, nil
}

// ClearStaleLocks removes expired or corrupt locks from every run and
// returns the ids of the runs it touched.
func (s *FileStore) ClearStaleLocks() ([]string, error) {
	runs, err := s.List()
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, r := range runs {
		if r.Lock == nil || !r.Lock.Stale(s.now()) {
			continue
		}
		_, err := s.Update(r.RunID, "", func(run *domain.TaskRun) error {
			if run.Lock == nil || !run.Lock.Stale(s.now()) {
				return errNothingToDo
			}
			run.Lock = nil
			return nil
		})
		if errors.Is(err, errNothingToDo) {
			continue
		}
		if err != nil {
			return cleared, err
		}
		cleared = append(cleared, r.RunID)
	}
	return cleared, nil
}

var errNothingToDo = errors.New("nothing to do")

// lockRun serialises read-modify-write cycles on one run, within the
// process through a keyed mutex and across processes through an O_EXCL
// guard file next to the record.
func (s *FileStore) lockRun(runID string) (func(), error) {
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating plans dir: %w", err)
	}

	unlock := s.keyed.Lock(runID)
	guard := filepath.Join(s.dir, runID+guardSuffix)
	deadline := time.Now().Add(guardTimeout)
	for {
		f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			unlock()
			return nil, fmt.Errorf("creating guard file: %w", err)
		}
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > guardStale {
			s.logger.Warn("removing abandoned guard file", zap.String("path", guard))
			os.Remove(guard)
			continue
		}
		if time.Now().After(deadline) {
			unlock()
			return nil, fmt.Errorf("timed out waiting for %s", guard)
		}
		time.Sleep(guardPoll)
	}

	return func() {
		os.Remove(guard)
		unlock()
	}, nil
}

func newLockToken(now time.Time) string {
	return fmt.Sprintf("lock_%d_%s", now.UnixMilli(), randomHex(4))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", 2*n)
	}
	return hex.EncodeToString(buf)
}
