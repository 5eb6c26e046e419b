package fsops

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MaxListResults caps list_files output
const MaxListResults = 300

// DefaultMaxFindResults caps find_files_by_name output when the caller gives no limit
const DefaultMaxFindResults = 50

// DefaultMaxSearchPerFile caps search hits per file
const DefaultMaxSearchPerFile = 5

// searchContext is the number of characters kept on each side of a search hit
const searchContext = 20

// DefaultIgnore lists globs excluded from every listing and search
var DefaultIgnore = []string{
	"**/node_modules/**",
	"**/dist/**",
	"**/build/**",
	"**/.next/**",
	"**/coverage/**",
	"**/.git/**",
	"**/migrations/**",
	"**/prisma/migrations/**",
}

// NormalizePatterns replaces empty or whole-directory patterns with a recursive match
func NormalizePatterns(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{"**/*"}
	}
	for _, p := range patterns {
		if p == "*" || p == "." || p == "./" {
			return []string{"**/*"}
		}
	}
	return patterns
}

// walkMatching calls fn for every regular file under root whose slash-relative
// path matches a pattern and no ignore glob. Dot entries are skipped, symlinks
// are not followed.
func walkMatching(root string, patterns, ignore []string, fn func(rel string) (stop bool)) error {
	patterns = NormalizePatterns(patterns)
	ignore = append(append([]string(nil), DefaultIgnore...), ignore...)

	stopped := errors.New("stop")
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// a directory is pruned when anything inside it would be ignored
			if matchAny(ignore, rel+"/_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matchAny(ignore, rel) || !matchAny(patterns, rel) {
			return nil
		}
		if fn(rel) {
			return stopped
		}
		return nil
	})
	if errors.Is(err, stopped) {
		return nil
	}
	return err
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// List returns slash-relative paths of files under root matching patterns, sorted and capped at MaxListResults
func List(root string, patterns, ignore []string) ([]string, error) {
	var out []string
	err := walkMatching(root, patterns, ignore, func(rel string) bool {
		out = append(out, rel)
		return len(out) >= MaxListResults
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// FindOptions configures FindByName
type FindOptions struct {
	Patterns   []string
	Ignore     []string
	MaxResults int
}

// FindByName returns files whose base name equals query (first) or contains it, case-insensitive
func FindByName(root, query string, opts FindOptions) ([]string, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxFindResults
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, errors.New("query must not be empty")
	}

	type scored struct {
		rel   string
		score int
	}
	var hits []scored
	err := walkMatching(root, opts.Patterns, opts.Ignore, func(rel string) bool {
		base := strings.ToLower(path.Base(rel))
		switch {
		case base == q:
			hits = append(hits, scored{rel, 0})
		case strings.Contains(base, q):
			hits = append(hits, scored{rel, 1})
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return hits[i].rel < hits[j].rel
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.rel
	}
	return out, nil
}

// SearchMatch is one search hit
type SearchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Excerpt string `json:"excerpt"`
}

// SearchOptions configures Search
type SearchOptions struct {
	Patterns          []string
	Query             string
	IsRegex           bool
	Ignore            []string
	MaxResultsPerFile int
}

// Search finds query (case-insensitive substring or regex) in files matching the patterns
func Search(root string, opts SearchOptions) ([]SearchMatch, error) {
	if opts.Query == "" {
		return nil, errors.New("query must not be empty")
	}
	perFile := opts.MaxResultsPerFile
	if perFile <= 0 {
		perFile = DefaultMaxSearchPerFile
	}

	var re *regexp.Regexp
	if opts.IsRegex {
		var err error
		re, err = regexp.Compile("(?i)" + opts.Query)
		if err != nil {
			return nil, err
		}
	}
	lowerQuery := strings.ToLower(opts.Query)

	var matches []SearchMatch
	err := walkMatching(root, opts.Patterns, opts.Ignore, func(rel string) bool {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return false
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		found, lineNo := 0, 0
		for scanner.Scan() && found < perFile {
			lineNo++
			line := scanner.Text()
			idx, width := -1, len(opts.Query)
			if re != nil {
				if loc := re.FindStringIndex(line); loc != nil {
					idx, width = loc[0], loc[1]-loc[0]
				}
			} else {
				idx = strings.Index(strings.ToLower(line), lowerQuery)
			}
			if idx < 0 {
				continue
			}
			start := max(0, idx-searchContext)
			end := min(len(line), idx+width+searchContext)
			matches = append(matches, SearchMatch{
				File:    rel,
				Line:    lineNo,
				Column:  idx + 1,
				Excerpt: line[start:end],
			})
			found++
		}
		return false
	})
	return matches, err
}
