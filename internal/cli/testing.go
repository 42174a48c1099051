package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// CLI runs gridcalc against a temp working directory in tests.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string

	// Global flags passed before every command, after --cwd.
	Global []string
}

// NewCLI returns a CLI rooted in a fresh temp directory with an empty
// environment, so no user config leaks in.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Run executes "gridcalc --cwd Dir [Global...] args..." and returns stdout,
// stderr and the exit code.
func (r *CLI) Run(args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer

	argv := make([]string, 0, 3+len(r.Global)+len(args))
	argv = append(argv, "gridcalc", "--cwd", r.Dir)
	argv = append(argv, r.Global...)
	argv = append(argv, args...)

	code := Run(nil, &stdout, &stderr, argv, r.Env, nil)

	return stdout.String(), stderr.String(), code
}

// MustRun executes args, fails the test on a non-zero exit code and
// returns the trimmed stdout.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("gridcalc %v: exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes args, fails the test when they succeed or print to
// stdout, and returns the trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("gridcalc %v: succeeded, want failure\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("gridcalc %v: failed with output on stdout\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile writes content to name below Dir and returns its path.
func (r *CLI) WriteFile(name, content string) string {
	r.t.Helper()

	path := filepath.Join(r.Dir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		r.t.Fatalf("mkdir for %s: %v", name, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		r.t.Fatalf("write %s: %v", name, err)
	}

	return path
}

// WriteValues writes vals as a YAML value file. A nil entry is written as
// null, the undefined value.
func (r *CLI) WriteValues(name string, vals ...any) string {
	r.t.Helper()

	raw, err := yaml.Marshal(vals)
	if err != nil {
		r.t.Fatalf("encode %s: %v", name, err)
	}

	return r.WriteFile(name, string(raw))
}

// CacheDir returns the default cache directory.
func (r *CLI) CacheDir() string {
	return filepath.Join(r.Dir, ".gridcalc")
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
