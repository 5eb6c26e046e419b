package procexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	requireSh(t)
	r := NewRunner()

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2; exit 3"},
		Dir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("Stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Stderr = %q, want err", res.Stderr)
	}
}

func TestRun_StartFailure(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	if err == nil {
		t.Error("Run() should fail for a missing binary")
	}
}

func TestRun_Timeout(t *testing.T) {
	requireSh(t)
	r := NewRunner()

	_, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "exec sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestRun_OutputCapped(t *testing.T) {
	requireSh(t)
	r := NewRunner(WithMaxOutput(10))

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "for i in 1 2 3 4 5 6 7 8; do echo line$i; done"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(res.Stdout) > 10 {
		t.Errorf("len(Stdout) = %d, want <= 10", len(res.Stdout))
	}
}

func TestRun_OutputCallback(t *testing.T) {
	requireSh(t)
	var lines []string
	r := NewRunner(WithOutputCallback(func(stream, line string) {
		if stream == "stdout" {
			lines = append(lines, line)
		}
	}))

	if _, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo a; echo b"}}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(lines, ",") != "a,b" {
		t.Errorf("lines = %v, want [a b]", lines)
	}
}

func TestRun_FiltersSensitiveEnv(t *testing.T) {
	requireSh(t)
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	t.Setenv("TASK_ORCH_VISIBLE", "yes")
	r := NewRunner()

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo \"[$OPENAI_API_KEY][$TASK_ORCH_VISIBLE]\""},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "[][yes]" {
		t.Errorf("Stdout = %q, want [][yes]", res.Stdout)
	}
}
