package fsops

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// HashMismatchPreview is reported when the file changed since the caller read it
const HashMismatchPreview = "Original hash does not match, file has changed on disk."

// PatchRequest is a unified diff against one file
type PatchRequest struct {
	OriginalHash string
	Patch        string
	DryRun       bool
}

// PatchResult describes the outcome of ApplyPatch
type PatchResult struct {
	FilePath     string `json:"filePath"`
	Changed      bool   `json:"changed"`
	NewHash      string `json:"newHash,omitempty"`
	Preview      string `json:"preview,omitempty"`
	Created      bool   `json:"created,omitempty"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// ApplyPatch applies a unified diff to abs. A file that does not exist is
// patched from empty content. When the file exists and OriginalHash is set
// (and not NewFileHash) the current content must hash to it; otherwise the
// result reports Changed=false and nothing is written.
func ApplyPatch(abs string, req PatchRequest) (*PatchResult, error) {
	existed := true
	current, err := os.ReadFile(abs)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		existed = false
		current = nil
	}

	if existed && req.OriginalHash != "" && req.OriginalHash != NewFileHash {
		if h := HashBytes(current); h != req.OriginalHash {
			return &PatchResult{
				FilePath: abs,
				Changed:  false,
				NewHash:  h,
				Preview:  HashMismatchPreview,
			}, nil
		}
	}

	patched, err := applyUnified(current, req.Patch)
	if err != nil {
		return nil, err
	}

	added, removed := LineStats(string(current), string(patched))
	res := &PatchResult{
		FilePath:     abs,
		Changed:      !existed || !bytes.Equal(current, patched),
		NewHash:      HashBytes(patched),
		Created:      !existed,
		LinesAdded:   added,
		LinesRemoved: removed,
	}

	if req.DryRun {
		res.Preview = string(patched)
		return res, nil
	}

	if res.Changed {
		if err := Write(abs, patched); err != nil {
			return nil, fmt.Errorf("writing patched file: %w", err)
		}
	}
	return res, nil
}

// EstimateChangedLines counts added and removed lines in a unified diff.
// Unparsable patches count every +/- line.
func EstimateChangedLines(patch string) int {
	files, _, err := gitdiff.Parse(strings.NewReader(withFileHeader(patch)))
	if err == nil && len(files) > 0 {
		n := 0
		for _, f := range files {
			for _, frag := range f.TextFragments {
				n += int(frag.LinesAdded + frag.LinesDeleted)
			}
		}
		return n
	}

	n := 0
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			n++
		}
	}
	return n
}

// LineStats returns the number of added and removed lines between two texts
func LineStats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func applyUnified(src []byte, patch string) ([]byte, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(withFileHeader(patch)))
	if err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("patch must change exactly one file, got %d", len(files))
	}
	if files[0].IsBinary {
		return nil, fmt.Errorf("binary patches are not supported")
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), files[0]); err != nil {
		return nil, fmt.Errorf("failed to apply patch to file: %w", err)
	}
	return out.Bytes(), nil
}

// withFileHeader makes bare hunks parseable by adding a file header
func withFileHeader(patch string) string {
	patch = strings.TrimLeft(patch, "\r\n")
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	if strings.HasPrefix(patch, "@@") {
		return "--- a/file\n+++ b/file\n" + patch
	}
	return patch
}
