package executor

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/vcs"
)

// maxSnapshotBytes bounds the raw content kept by a byte snapshot for files
// outside the allow-list. Allow-listed files are always kept.
var maxSnapshotBytes = 64 << 20

// ErrSnapshotTooLarge is returned when the project outside the allow-list
// holds more than maxSnapshotBytes, so a revert could not be guaranteed
var ErrSnapshotTooLarge = errors.New("project too large for a byte snapshot")

// SnapshotStrategy captures the working tree before a task runs so that the
// changes it made can be listed and undone.
type SnapshotStrategy interface {
	// Name identifies the strategy in logs and outcomes
	Name() string
	// Changed lists project-relative paths that differ from the snapshot
	Changed(ctx context.Context) ([]string, error)
	// Revert restores the given paths to their snapshot state
	Revert(ctx context.Context, paths []string) error
}

// fileState is the content of one file at snapshot time
type fileState struct {
	exists bool
	mode   fs.FileMode
	sum    [sha256.Size]byte
	data   []byte
	kept   bool // data holds the full content
}

func readState(abs string, keep bool) (fileState, error) {
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return fileState{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fileState{}, err
	}
	st := fileState{exists: true, mode: info.Mode().Perm(), sum: sha256.Sum256(data)}
	if keep {
		st.data, st.kept = data, true
	}
	return st, nil
}

func (s fileState) equal(o fileState) bool {
	if s.exists != o.exists {
		return false
	}
	return !s.exists || s.sum == o.sum
}

// restore writes the snapshot content back, or removes the file if it did not exist
func (s fileState) restore(abs string) error {
	if !s.exists {
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if !s.kept {
		return errors.New("content was not captured")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, s.data, s.mode); err != nil {
		return err
	}
	return os.Chmod(abs, s.mode)
}

// snapshotFilter decides which project paths take part in change detection
type snapshotFilter struct {
	ignore []string // slash-form directory prefixes
}

func (f snapshotFilter) skip(rel string) bool {
	rel = domain.NormalizePath(rel)
	if tools.IsBlocked(rel) {
		return true
	}
	for _, dir := range f.ignore {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}

// takeSnapshot picks the git strategy when root is the top of a repository
// and the raw byte strategy otherwise
func takeSnapshot(ctx context.Context, root string, allowed []string, filter snapshotFilter) (SnapshotStrategy, error) {
	git := vcs.New(root)
	if git.IsRepository(ctx) {
		return newGitSnapshot(ctx, git, filter)
	}
	return newByteSnapshot(root, allowed, filter)
}

// gitSnapshot derives changes from `git status`. Files that were already
// dirty before the task ran keep their content so they can be restored
// without discarding the user's uncommitted work.
type gitSnapshot struct {
	git    *vcs.Git
	filter snapshotFilter
	dirty  map[string]fileState
}

func newGitSnapshot(ctx context.Context, git *vcs.Git, filter snapshotFilter) (*gitSnapshot, error) {
	changes, err := git.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading git status: %w", err)
	}
	s := &gitSnapshot{git: git, filter: filter, dirty: make(map[string]fileState)}
	for _, c := range changes {
		if filter.skip(c.Path) {
			continue
		}
		st, err := readState(s.abs(c.Path), true)
		if err != nil {
			return nil, fmt.Errorf("snapshotting %s: %w", c.Path, err)
		}
		s.dirty[c.Path] = st
	}
	return s, nil
}

func (s *gitSnapshot) Name() string { return "git" }

func (s *gitSnapshot) abs(rel string) string {
	return filepath.Join(s.git.Dir(), filepath.FromSlash(rel))
}

func (s *gitSnapshot) status(ctx context.Context) (map[string]vcs.Change, error) {
	changes, err := s.git.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading git status: %w", err)
	}
	out := make(map[string]vcs.Change, len(changes))
	for _, c := range changes {
		if !s.filter.skip(c.Path) {
			out[c.Path] = c
		}
	}
	return out, nil
}

func (s *gitSnapshot) Changed(ctx context.Context) ([]string, error) {
	current, err := s.status(ctx)
	if err != nil {
		return nil, err
	}
	var changed []string
	for path := range current {
		before, wasDirty := s.dirty[path]
		if !wasDirty {
			changed = append(changed, path)
			continue
		}
		now, err := readState(s.abs(path), false)
		if err != nil {
			return nil, err
		}
		if !before.equal(now) {
			changed = append(changed, path)
		}
	}
	// a dirty file that went back to its committed state
	for path := range s.dirty {
		if _, still := current[path]; !still {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *gitSnapshot) Revert(ctx context.Context, paths []string) error {
	current, err := s.status(ctx)
	if err != nil {
		return err
	}
	var viaGit []vcs.Change
	var errs []error
	for _, path := range paths {
		if before, ok := s.dirty[path]; ok {
			if err := before.restore(s.abs(path)); err != nil {
				errs = append(errs, fmt.Errorf("restoring %s: %w", path, err))
			}
			continue
		}
		if c, ok := current[path]; ok {
			viaGit = append(viaGit, c)
		}
	}
	if len(viaGit) > 0 {
		if err := s.git.Revert(ctx, viaGit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// byteSnapshot is used outside version control. It keeps the content of
// every allow-listed file (or the fact that it did not exist) and hashes of
// the remaining project files so that out-of-scope edits are detected too.
type byteSnapshot struct {
	root   string
	filter snapshotFilter
	files  map[string]fileState
	dirs   map[string]bool
}

func newByteSnapshot(root string, allowed []string, filter snapshotFilter) (*byteSnapshot, error) {
	s := &byteSnapshot{root: root, filter: filter, files: make(map[string]fileState), dirs: make(map[string]bool)}

	for _, rel := range allowed {
		rel = domain.NormalizePath(rel)
		abs, _, err := tools.ResolvePath(root, rel)
		if err != nil {
			continue
		}
		st, err := readState(abs, true)
		if err != nil {
			return nil, fmt.Errorf("snapshotting %s: %w", rel, err)
		}
		s.files[rel] = st
	}

	budget := maxSnapshotBytes
	err := s.walk(func(rel, abs string, d fs.DirEntry) error {
		if d.IsDir() {
			s.dirs[rel] = true
			return nil
		}
		if _, done := s.files[rel]; done {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if int(info.Size()) > budget {
			return fmt.Errorf("%w: %s does not fit in the %d byte limit", ErrSnapshotTooLarge, rel, maxSnapshotBytes)
		}
		budget -= int(info.Size())
		st, err := readState(abs, true)
		if err != nil {
			return err
		}
		s.files[rel] = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting project: %w", err)
	}
	return s, nil
}

func (s *byteSnapshot) Name() string { return "bytes" }

// walk visits regular files and directories that take part in detection
func (s *byteSnapshot) walk(fn func(rel, abs string, d fs.DirEntry) error) error {
	return filepath.WalkDir(s.root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.filter.skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		return fn(rel, abs, d)
	})
}

func (s *byteSnapshot) Changed(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var changed []string
	err := s.walk(func(rel, abs string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		seen[rel] = true
		now, err := readState(abs, false)
		if err != nil {
			return err
		}
		if before, ok := s.files[rel]; !ok || !before.equal(now) {
			changed = append(changed, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for rel, before := range s.files {
		if before.exists && !seen[rel] {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *byteSnapshot) Revert(ctx context.Context, paths []string) error {
	var errs []error
	for _, rel := range paths {
		abs := filepath.Join(s.root, filepath.FromSlash(rel))
		before := s.files[rel] // zero value: did not exist
		if err := before.restore(abs); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", rel, err))
		}
	}
	s.pruneDirs()
	return errors.Join(errs...)
}

// pruneDirs removes empty directories created after the snapshot, deepest first
func (s *byteSnapshot) pruneDirs() {
	var created []string
	_ = s.walk(func(rel, abs string, d fs.DirEntry) error {
		if d.IsDir() && !s.dirs[rel] {
			created = append(created, abs)
		}
		return nil
	})
	sort.Slice(created, func(i, j int) bool { return len(created[i]) > len(created[j]) })
	for _, dir := range created {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			os.Remove(dir)
		}
	}
}
