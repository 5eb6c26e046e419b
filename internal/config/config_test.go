package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("Retry.MaxRetries = %d, want 2", cfg.Retry.MaxRetries)
	}
	if cfg.LockTTL() != 10*time.Minute {
		t.Errorf("LockTTL() = %v, want 10m", cfg.LockTTL())
	}
	if cfg.RetryBaseDelay() != 1500*time.Millisecond {
		t.Errorf("RetryBaseDelay() = %v, want 1.5s", cfg.RetryBaseDelay())
	}
	if cfg.Agent.PlanMaxRounds <= cfg.Agent.ExecuteMaxRounds {
		t.Errorf("plan rounds (%d) should exceed execute rounds (%d)", cfg.Agent.PlanMaxRounds, cfg.Agent.ExecuteMaxRounds)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestDefaultRoles(t *testing.T) {
	roles := DefaultRoles()

	for _, name := range []string{"planner", "coder", "tester", "critic", "documenter"} {
		if _, ok := roles[name]; !ok {
			t.Errorf("missing default role %q", name)
		}
	}

	coder := roles["coder"]
	if coder.MaxFilesChanged != 50 || coder.MaxTotalChangedLines != 2000 {
		t.Errorf("coder budgets = %d/%d, want 50/2000", coder.MaxFilesChanged, coder.MaxTotalChangedLines)
	}
	hasPatch := false
	for _, tool := range coder.Tools {
		if tool == "apply_patch" {
			hasPatch = true
		}
	}
	if !hasPatch {
		t.Error("coder should be allowed apply_patch")
	}
	for _, tool := range roles["planner"].Tools {
		if tool == "apply_patch" || tool == "write_file" {
			t.Errorf("planner should not have mutating tool %q", tool)
		}
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
project_root = "/test/project"

[llm]
provider = "anthropic"
model = "claude-opus-4-1"

[llm.prices."claude-opus-4-1"]
input_per_million = 25.0
output_per_million = 100.0

[locks]
ttl_minutes = 5

[roles.reviewer]
allowed_paths = ["src/"]
read_only_paths = ["src/"]
tools = ["read_file"]

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/test/project" {
		t.Errorf("ProjectRoot = %q, want /test/project", cfg.General.ProjectRoot)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("LLM.Provider = %q, want anthropic", cfg.LLM.Provider)
	}
	if cfg.LockTTL() != 5*time.Minute {
		t.Errorf("LockTTL() = %v, want 5m", cfg.LockTTL())
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	if p := cfg.LLM.Prices["claude-opus-4-1"]; p.OutputPerMillion != 100 {
		t.Errorf("price output = %v, want 100", p.OutputPerMillion)
	}
	if _, err := cfg.Role("reviewer"); err != nil {
		t.Errorf("Role(reviewer) error = %v", err)
	}
	// defaults not mentioned in the file survive
	if _, err := cfg.Role("coder"); err != nil {
		t.Errorf("Role(coder) error = %v", err)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("Retry.MaxRetries = %d, want default 2", cfg.Retry.MaxRetries)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("LLM.Provider = %q, want openai", cfg.LLM.Provider)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	path := writeTempConfig(t, "[llm]\nprovider = \"carrier-pigeon\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject an unknown provider")
	}
}

func TestConfig_RoleUnknown(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Role("astronaut"); err == nil {
		t.Error("Role(astronaut) should fail")
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.General.ProjectRoot = "/srv/project"
	cfg.Locks.TTLMinutes = 7

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.General.ProjectRoot != "/srv/project" || loaded.Locks.TTLMinutes != 7 {
		t.Errorf("loaded = %+v / %+v", loaded.General, loaded.Locks)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[general]\nproject_root = \"/local\""), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	// macOS temp dirs live behind a symlink
	want, _ := filepath.EvalSymlinks(localConfig)
	got, _ := filepath.EvalSymlinks(FindLocalConfig())
	if got != want {
		t.Errorf("FindLocalConfig() = %q, want %q", got, want)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	explicitPath := writeTempConfig(t, "[general]\nproject_root = \"/explicit\"\n")

	cfg, err := LoadWithLocalFallback(explicitPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/explicit" {
		t.Errorf("ProjectRoot = %q, want /explicit", cfg.General.ProjectRoot)
	}
}

func TestLoadWithLocalFallback_LocalConfig(t *testing.T) {
	root := t.TempDir()
	localConfig := filepath.Join(root, LocalConfigName)

	if err := os.WriteFile(localConfig, []byte("[general]\nproject_root = \"/from-local\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/from-local" {
		t.Errorf("ProjectRoot = %q, want /from-local", cfg.General.ProjectRoot)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
