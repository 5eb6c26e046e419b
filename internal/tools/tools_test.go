package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/analysis"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/fsops"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
)

type fakeAnalyzer struct {
	diags   []domain.Diagnostic
	symbols []analysis.Symbol
}

func (f *fakeAnalyzer) Diagnostics(ctx context.Context, root string) ([]domain.Diagnostic, error) {
	return f.diags, nil
}

func (f *fakeAnalyzer) Outline(ctx context.Context, abs string) ([]analysis.Symbol, error) {
	return append([]analysis.Symbol(nil), f.symbols...), nil
}

func (f *fakeAnalyzer) ExportedOutline(ctx context.Context, root string, files []string) ([]analysis.Symbol, error) {
	return f.symbols, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
}

func newTestDispatcher(t *testing.T, mutate func(*policy.Config)) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.ts":         "one\ntwo\nthree\n",
		"src/util.ts":      "export const helper = 1;\n",
		"docs/guide.md":    "# Guide\nhelper usage\n",
		"scripts/build.sh": "echo helper\n",
		".env":             "SECRET=1\n",
		"package.json":     `{"name":"demo","version":"1.0.0","scripts":{"test":"jest"}}`,
	})
	cfg := policy.Config{
		ProjectRoot:          root,
		AllowedPaths:         []string{"src/", "docs/"},
		ReadOnlyPaths:        []string{"docs/"},
		MaxFilesChanged:      2,
		MaxTotalChangedLines: 10,
		AllowedTools:         DefaultRegistry().Names(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDispatcher(cfg, Deps{
		Analyzer: &fakeAnalyzer{symbols: []analysis.Symbol{{Name: "helper", Kind: "variable", Exported: true}}},
		Commands: config.CommandsConfig{Test: []string{"sh", "-c", "echo tests passed; exit 1"}},
	})
	require.NoError(t, err)
	return d, d.Root()
}

func call(t *testing.T, d *Dispatcher, name string, args any) Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res := d.Execute(context.Background(), name, raw)
	// every result must survive a JSON round trip to the model
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.JSON()), &decoded))
	return res
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	root, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	outside := t.TempDir()
	writeTree(t, root, map[string]string{"src/a.ts": "x"})
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")))

	tests := []struct {
		name    string
		rel     string
		wantRel string
		wantErr error
	}{
		{"plain file", "src/a.ts", "src/a.ts", nil},
		{"missing nested file", "src/new/dir/b.ts", "src/new/dir/b.ts", nil},
		{"dot segments inside root", "src/../src/a.ts", "src/a.ts", nil},
		{"symlink inside root", "alias/a.ts", "src/a.ts", nil},
		{"empty", "", "", ErrEmptyPath},
		{"absolute", "/etc/passwd", "", ErrAbsolutePath},
		{"nul byte", "src/a\x00.ts", "", ErrNulByte},
		{"parent escape", "../x.ts", "", ErrPathEscape},
		{"nested escape", "src/../../x.ts", "", ErrPathEscape},
		{"symlink escape", "escape/secret.txt", "", ErrPathEscape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abs, rel, err := ResolvePath(root, tt.rel)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRel, rel)
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(tt.wantRel)), abs)
		})
	}
}

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		rel  string
		want bool
	}{
		{"src/a.ts", false},
		{"node_modules/x/index.js", true},
		{"packages/app/node_modules/x.js", true},
		{"dist/main.js", true},
		{"src/build/x.ts", true},
		{".git/config", true},
		{"prisma/migrations/001.sql", true},
		{"Coverage/lcov.info", true},
		{".env", true},
		{"config/.env.local", true},
		{"src/environment.ts", false},
		{"src/builder.ts", false},
	}
	for _, tt := range tests {
		if got := IsBlocked(tt.rel); got != tt.want {
			t.Errorf("IsBlocked(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestExecute_DeniedTool(t *testing.T) {
	d, _ := newTestDispatcher(t, func(c *policy.Config) { c.AllowedTools = []string{"read_file"} })

	res := call(t, d, "write_file", map[string]any{"filePath": "src/x.ts", "content": "x"})
	assert.False(t, res.OK)
	assert.Equal(t, `tool "write_file" is not allowed for this role`, res.Error)

	res = call(t, d, "launch_rockets", map[string]any{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "not allowed")
}

func TestExecute_ReadFile(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	res := call(t, d, "read_file", map[string]any{"path": "src/a.ts", "fromLine": 2, "toLine": 2})
	require.True(t, res.OK, res.Error)
	rr := res.Result.(*fsops.ReadResult)
	assert.Equal(t, "src/a.ts", rr.Path)
	assert.Equal(t, "two", strings.TrimRight(rr.Content, "\n"))
	assert.Equal(t, 3, rr.TotalLines)
	assert.Equal(t, fsops.HashBytes([]byte("one\ntwo\nthree\n")), rr.Hash)
}

func TestExecute_ReadFileDenials(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	res := call(t, d, "read_file", map[string]any{"path": "scripts/build.sh"})
	assert.False(t, res.OK)
	assert.Equal(t, "Policy violation", res.Error)
	dec := res.Details.(policy.Decision)
	assert.Equal(t, []string{"path not allowed: scripts/build.sh"}, dec.Violations)

	res = call(t, d, "read_file", map[string]any{"path": ".env"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "blocked")

	res = call(t, d, "read_file", map[string]any{"path": "../outside"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "escapes")

	res = call(t, d, "read_file", map[string]any{"path": "/etc/hosts"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "absolute")
}

func TestExecute_MalformedArguments(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := d.Execute(context.Background(), "read_file", json.RawMessage(`{"path": 42}`))
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "invalid arguments for read_file")
}

func TestExecute_ApplyPatch(t *testing.T) {
	d, root := newTestDispatcher(t, nil)
	patch := "--- a/src/a.ts\n+++ b/src/a.ts\n@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n"

	res := call(t, d, "apply_patch", map[string]any{
		"filePath":     "src/a.ts",
		"originalHash": "stale",
		"patch":        patch,
	})
	require.True(t, res.OK)
	pr := res.Result.(*fsops.PatchResult)
	assert.False(t, pr.Changed)
	assert.Equal(t, fsops.HashMismatchPreview, pr.Preview)

	res = call(t, d, "apply_patch", map[string]any{
		"filePath":     "src/a.ts",
		"originalHash": fsops.HashBytes([]byte("one\ntwo\nthree\n")),
		"patch":        patch,
	})
	require.True(t, res.OK, res.Error)
	pr = res.Result.(*fsops.PatchResult)
	assert.True(t, pr.Changed)
	assert.Equal(t, "src/a.ts", pr.FilePath)
	assert.Equal(t, 1, pr.LinesAdded)
	assert.Equal(t, 1, pr.LinesRemoved)

	got, err := os.ReadFile(filepath.Join(root, "src", "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\n", string(got))
	assert.Equal(t, []string{"src/a.ts"}, d.ChangedFiles())
}

func TestExecute_ApplyPatchReadOnly(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := call(t, d, "apply_patch", map[string]any{
		"filePath":     "docs/guide.md",
		"originalHash": fsops.NewFileHash,
		"patch":        "@@ -1 +1 @@\n-# Guide\n+# Manual\n",
	})
	assert.False(t, res.OK)
	assert.Equal(t, "Policy violation", res.Error)
	assert.Equal(t, []string{"read-only path: docs/guide.md"}, res.Details.(policy.Decision).Violations)
}

func TestExecute_ApplyPatchBudgetsAreCumulative(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	newFile := func(name string, lines int) map[string]any {
		var b strings.Builder
		b.WriteString("--- /dev/null\n+++ b/src/" + name + "\n")
		b.WriteString("@@ -0,0 +1," + strconv.Itoa(lines) + " @@\n")
		for i := 0; i < lines; i++ {
			b.WriteString("+line\n")
		}
		return map[string]any{"filePath": "src/" + name, "originalHash": fsops.NewFileHash, "patch": b.String()}
	}

	res := call(t, d, "apply_patch", newFile("n1.ts", 4))
	require.True(t, res.OK, res.Error)
	res = call(t, d, "apply_patch", newFile("n2.ts", 4))
	require.True(t, res.OK, res.Error)

	res = call(t, d, "apply_patch", newFile("n3.ts", 1))
	assert.False(t, res.OK)
	assert.Equal(t, []string{"too many files: 3 > 2"}, res.Details.(policy.Decision).Violations)

	res = call(t, d, "apply_patch", map[string]any{
		"filePath":     "src/n1.ts",
		"originalHash": fsops.NewFileHash,
		"patch":        "@@ -1,4 +1,4 @@\n-line\n-line\n-line\n+l\n+l\n+l\n line\n",
	})
	assert.False(t, res.OK)
	assert.Equal(t, []string{"too many changed lines: 14 > 10"}, res.Details.(policy.Decision).Violations)
}

func TestExecute_WriteFile(t *testing.T) {
	d, root := newTestDispatcher(t, nil)

	res := call(t, d, "write_file", map[string]any{"filePath": "src/new/b.ts", "content": "export const b = 2;\n"})
	require.True(t, res.OK, res.Error)
	got, err := os.ReadFile(filepath.Join(root, "src", "new", "b.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const b = 2;\n", string(got))

	res = call(t, d, "write_file", map[string]any{"filePath": "docs/guide.md", "content": "x"})
	assert.False(t, res.OK)
	assert.Equal(t, "Policy violation", res.Error)
}

func TestExecute_SearchFiltersUnreadableFiles(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	res := call(t, d, "search_in_files", map[string]any{"patterns": []string{"**/*"}, "query": "helper"})
	require.True(t, res.OK, res.Error)
	matches := res.Result.([]fsops.SearchMatch)
	var files []string
	for _, m := range matches {
		files = append(files, m.File)
	}
	assert.ElementsMatch(t, []string{"src/util.ts", "docs/guide.md"}, files)
}

func TestExecute_ListAndFind(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	res := call(t, d, "list_files", map[string]any{"patterns": []string{"*"}})
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Result.([]string), "src/a.ts")

	res = call(t, d, "find_files_by_name", map[string]any{"query": "util"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []string{"src/util.ts"}, res.Result.([]string))
}

func TestExecute_ProjectInfo(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := call(t, d, "get_project_info", map[string]any{"includeTsconfig": false})
	require.True(t, res.OK, res.Error)
	info := res.Result.(*fsops.Info)
	require.NotNil(t, info.PackageJSON)
	assert.Equal(t, "demo", info.PackageJSON.Name)
	assert.Nil(t, info.TSConfig)
}

func TestExecute_Outline(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := call(t, d, "ts_get_outline", map[string]any{"filePath": "src/util.ts"})
	require.True(t, res.OK, res.Error)
	out := res.Result.(map[string]any)
	symbols := out["symbols"].([]analysis.Symbol)
	require.Len(t, symbols, 1)
	assert.Equal(t, "src/util.ts", symbols[0].File)
}

func TestExecute_TSCheck(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	d.deps.Analyzer = &fakeAnalyzer{diags: []domain.Diagnostic{{File: "src/a.ts", Line: 1, Code: 2322, Message: "bad"}}}
	res := call(t, d, "ts_check", map[string]any{})
	require.True(t, res.OK, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, 1, out["errorCount"])
}

func TestExecute_RunTests(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	d, _ := newTestDispatcher(t, nil)

	res := call(t, d, "run_tests", nil)
	require.True(t, res.OK, res.Error)
	sum := res.Result.(CommandSummary)
	assert.False(t, sum.OK)
	assert.Equal(t, 1, sum.ExitCode)
	assert.Contains(t, sum.Stdout, "tests passed")

	res = call(t, d, "run_build", nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "no command configured")
}

func TestExecute_RecoversFromPanics(t *testing.T) {
	root := t.TempDir()
	reg := Registry{"explode": {
		Handler: func(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
			panic("kaboom")
		},
	}}
	d, err := NewDispatcherWithRegistry(policy.Config{ProjectRoot: root, AllowedTools: []string{"explode"}}, Deps{}, reg)
	require.NoError(t, err)

	res := d.Execute(context.Background(), "explode", nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "kaboom")
}

func TestDefinitions_FilteredByPolicy(t *testing.T) {
	d, _ := newTestDispatcher(t, func(c *policy.Config) { c.AllowedTools = []string{"read_file", "list_files", "unknown"} })
	defs := d.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "list_files", defs[0].Name)
	assert.Equal(t, "read_file", defs[1].Name)
}

func TestNewUsage(t *testing.T) {
	u := NewUsage("read_file", json.RawMessage(`{"path":"a"}`), Result{OK: true, Result: map[string]int{"n": 1}})
	assert.True(t, u.OK)
	assert.Equal(t, `{"n":1}`, u.Summary)

	u = NewUsage("read_file", nil, Result{OK: false, Error: errors.New("nope").Error()})
	assert.False(t, u.OK)
	assert.Equal(t, "nope", u.Error)
}
