//go:build integration

package integration

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// repoRoot returns the module root
func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// binaryPath builds the CLI once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	if builtBinary != "" {
		return builtBinary
	}
	out := filepath.Join(os.TempDir(), "task-orch-integration")
	if runtime.GOOS == "windows" {
		out += ".exe"
	}
	cmd := exec.Command("go", "build", "-o", out, "./cmd/task-orch")
	cmd.Dir = repoRoot(t)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, b)
	}
	builtBinary = out
	return out
}

var builtBinary string

// project is a throwaway project with its own config and run index
type project struct {
	root       string
	home       string
	configPath string
}

func newProject(t *testing.T) *project {
	t.Helper()
	p := &project{
		root: t.TempDir(),
		home: t.TempDir(),
	}
	p.configPath = filepath.Join(p.home, "config.toml")

	config := `[general]
project_root = "` + filepath.ToSlash(p.root) + `"
database_path = "` + filepath.ToSlash(filepath.Join(p.home, "runs.db")) + `"

[llm]
provider = "openai"
api_key_env = "TASK_ORCH_INTEGRATION_UNSET_KEY"

[notifications]
desktop = false

[log]
level = "error"
`
	if err := os.WriteFile(p.configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return p
}

// write creates a file relative to the project root
func (p *project) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// run executes the CLI against the project and returns combined output
func (p *project) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append([]string{"--config", p.configPath}, args...)
	cmd := exec.Command(binaryPath(t), args...)
	cmd.Dir = p.root
	cmd.Env = append(os.Environ(), "HOME="+p.home, "USERPROFILE="+p.home)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// mustRun fails the test when the command exits non-zero
func (p *project) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := p.run(t, args...)
	if err != nil {
		t.Fatalf("task-orch %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}
