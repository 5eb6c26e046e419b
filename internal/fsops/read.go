// Package fsops implements the filesystem operations behind the agent's file tools.
//
// All functions take absolute paths; containment and policy checks happen in the
// tools package before anything here is called.
package fsops

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// NewFileHash is the originalHash sentinel for a file that does not exist yet
const NewFileHash = "new-file"

// RangeOptions selects a line range and byte cap for ReadRange. Zero values mean unbounded.
type RangeOptions struct {
	FromLine int
	ToLine   int
	MaxBytes int
}

// ReadResult is the content of a (partial) file read
type ReadResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	FromLine   int    `json:"fromLine"`
	ToLine     int    `json:"toLine"`
	TotalLines int    `json:"totalLines"`
	Hash       string `json:"hash"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// HashBytes returns the hex sha256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadRange reads abs and returns the requested 1-based inclusive line range.
// The hash always covers the whole file so it can be used as an apply_patch precondition.
func ReadRange(abs string, opts RangeOptions) (*ReadResult, error) {
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	lines := splitLines(string(raw))
	total := len(lines)

	from := opts.FromLine
	if from < 1 {
		from = 1
	}
	if from > total {
		from = total
	}
	to := opts.ToLine
	if to <= 0 || to > total {
		to = total
	}
	if to < from {
		to = from
	}

	content := strings.Join(lines[from-1:to], "\n")
	truncated := false
	if opts.MaxBytes > 0 && len(content) > opts.MaxBytes {
		content = cutUTF8(content, opts.MaxBytes)
		truncated = true
	}

	return &ReadResult{
		Path:       abs,
		Content:    content,
		FromLine:   from,
		ToLine:     to,
		TotalLines: total,
		Hash:       HashBytes(raw),
		Truncated:  truncated,
	}, nil
}

// Write creates or overwrites abs, creating parent directories
func Write(abs string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.WriteFile(abs, content, 0644)
}

// splitLines splits on \n and \r\n; an empty file has one empty line
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// cutUTF8 truncates s to at most n bytes without splitting a rune
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
