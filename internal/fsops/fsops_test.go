package fsops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
}

func TestReadRange(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "one\ntwo\nthree\nfour"})
	abs := filepath.Join(root, "a.txt")

	res, err := ReadRange(abs, RangeOptions{FromLine: 2, ToLine: 3})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", res.Content)
	assert.Equal(t, 4, res.TotalLines)
	assert.Equal(t, HashBytes([]byte("one\ntwo\nthree\nfour")), res.Hash)

	res, err = ReadRange(abs, RangeOptions{FromLine: 10, ToLine: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.FromLine)
	assert.Equal(t, 4, res.ToLine)
	assert.Equal(t, "four", res.Content)

	res, err = ReadRange(abs, RangeOptions{MaxBytes: 5})
	require.NoError(t, err)
	assert.Equal(t, "one\nt", res.Content)
	assert.True(t, res.Truncated)

	_, err = ReadRange(filepath.Join(root, "missing.txt"), RangeOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyPatch_ModifiesFile(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"src/a.ts": "a\nb\nc\n"})
	abs := filepath.Join(root, "src", "a.ts")

	patch := "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	res, err := ApplyPatch(abs, PatchRequest{OriginalHash: HashBytes([]byte("a\nb\nc\n")), Patch: patch})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.LinesAdded)
	assert.Equal(t, 1, res.LinesRemoved)

	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", string(got))
	assert.Equal(t, HashBytes(got), res.NewHash)
}

func TestApplyPatch_HashMismatch(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.ts": "a\nb\nc\n"})
	abs := filepath.Join(root, "a.ts")

	res, err := ApplyPatch(abs, PatchRequest{OriginalHash: "deadbeef", Patch: "@@ -1,1 +1,1 @@\n-a\n+x\n"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, HashMismatchPreview, res.Preview)

	got, _ := os.ReadFile(abs)
	assert.Equal(t, "a\nb\nc\n", string(got))
}

func TestApplyPatch_DryRunDoesNotWrite(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.ts": "a\nb\n"})
	abs := filepath.Join(root, "a.ts")

	res, err := ApplyPatch(abs, PatchRequest{Patch: "@@ -1,2 +1,2 @@\n a\n-b\n+c\n", DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "a\nc\n", res.Preview)

	got, _ := os.ReadFile(abs)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestApplyPatch_NewFile(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "src", "new.ts")

	patch := "--- /dev/null\n+++ b/src/new.ts\n@@ -0,0 +1,2 @@\n+export const x = 1;\n+export const y = 2;\n"
	res, err := ApplyPatch(abs, PatchRequest{OriginalHash: NewFileHash, Patch: patch})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.LinesAdded)

	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1;\nexport const y = 2;\n", string(got))
}

func TestApplyPatch_ContextMismatchFails(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.ts": "a\nb\n"})
	abs := filepath.Join(root, "a.ts")

	_, err := ApplyPatch(abs, PatchRequest{Patch: "@@ -1,2 +1,2 @@\n zzz\n-b\n+c\n"})
	assert.Error(t, err)

	got, _ := os.ReadFile(abs)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestEstimateChangedLines(t *testing.T) {
	assert.Equal(t, 2, EstimateChangedLines("@@ -1,2 +1,2 @@\n a\n-b\n+c\n"))
	assert.Equal(t, 3, EstimateChangedLines("not a diff\n+x\n-y\n+z\n"))
}

func TestList(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/a.ts":                "",
		"src/b.tsx":               "",
		"src/node_modules/x/i.js": "",
		"dist/out.js":             "",
		".env":                    "",
		"prisma/migrations/1.sql": "",
		"docs/readme.md":          "",
	})

	files, err := List(root, []string{"src/**/*.ts*"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts", "src/b.tsx"}, files)

	files, err = List(root, []string{"."}, []string{"docs/**"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts", "src/b.tsx"}, files)
}

func TestList_Capped(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	for i := 0; i < MaxListResults+20; i++ {
		files[filepath.ToSlash(filepath.Join("src", "f", string(rune('a'+i%26))+string(rune('a'+i/26))+".ts"))] = ""
	}
	writeFiles(t, root, files)

	got, err := List(root, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, MaxListResults)
}

func TestFindByName(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/user.ts":          "",
		"src/userService.ts":   "",
		"tests/user.test.ts":   "",
		"src/other.ts":         "",
		"node_modules/user.ts": "",
	})

	got, err := FindByName(root, "USER.ts", FindOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "src/user.ts", got[0])
	assert.NotContains(t, got, "node_modules/user.ts")

	got, err = FindByName(root, "user", FindOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = FindByName(root, "  ", FindOptions{})
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/a.ts": "const a = 1;\nexport function createUser() {}\nconst CreateUser = 2;\n",
		"src/b.ts": "nothing here\n",
	})

	matches, err := Search(root, SearchOptions{Patterns: []string{"src/**/*.ts"}, Query: "createuser"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "src/a.ts", matches[0].File)
	assert.Equal(t, 2, matches[0].Line)
	assert.Equal(t, 17, matches[0].Column)

	matches, err = Search(root, SearchOptions{Patterns: []string{"**/*.ts"}, Query: `function\s+\w+`, IsRegex: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Excerpt, "function createUser")

	_, err = Search(root, SearchOptions{Query: "(", IsRegex: true})
	assert.Error(t, err)
}

func TestSearch_MaxPerFile(t *testing.T) {
	root := t.TempDir()
	content := ""
	for i := 0; i < 10; i++ {
		content += "needle\n"
	}
	writeFiles(t, root, map[string]string{"a.txt": content})

	matches, err := Search(root, SearchOptions{Query: "needle"})
	require.NoError(t, err)
	assert.Len(t, matches, DefaultMaxSearchPerFile)
}

func TestProjectInfo(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"package.json":  `{"name":"demo","version":"1.0.0","scripts":{"test":"vitest"},"dependencies":{"a":"1","b":"2"}}`,
		"tsconfig.json": `{"compilerOptions":{"strict":true,"outDir":"dist"},"include":["src"]}`,
		"src/index.ts":  "",
	})

	info := ProjectInfo(root, AllInfo)
	require.NotNil(t, info.PackageJSON)
	assert.Equal(t, "demo", info.PackageJSON.Name)
	assert.Equal(t, 2, info.PackageJSON.DependenciesCount)
	require.NotNil(t, info.TSConfig)
	assert.Equal(t, true, info.TSConfig.CompilerOptions["strict"])
	assert.NotContains(t, info.TSConfig.CompilerOptions, "outDir")
	assert.Equal(t, []string{"src/index.ts"}, info.EntryCandidates)

	info = ProjectInfo(t.TempDir(), InfoOptions{PackageJSON: true})
	assert.Nil(t, info.PackageJSON)
}

func TestReadJSONCompact(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"data.json": `{"keep":"abcdefghijklmnop","drop":1,"nested":{"s":"abcdefghijklmnop"}}`,
	})

	got, err := ReadJSONCompact(filepath.Join(root, "data.json"), []string{"keep", "nested"}, 10)
	require.NoError(t, err)
	obj := got.(map[string]any)
	assert.NotContains(t, obj, "drop")
	assert.Equal(t, "abcdefghij... (truncated, original length 16)", obj["keep"])
	assert.Equal(t, "abcdefghij... (truncated, original length 16)", obj["nested"].(map[string]any)["s"])
}

func TestRunLogTail(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"logs/run.log": "0123456789"})

	res, err := RunLogTail(filepath.Join(root, "logs", "run.log"), "logs/run.log", 4)
	require.NoError(t, err)
	assert.Equal(t, "6789", res.Content)
	assert.Equal(t, 10, res.TotalChars)
}
