//go:build integration

package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/seedsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// shimScript stands in for every collaborator. Each invocation is appended
// to $SHIM_LOG; creating fail-<op> next to the script makes that op fail.
const shimScript = `#!/bin/sh
op="$1"
dir="$(dirname "$0")"
echo "$op ${SEEDSYNC_SCENARIO:-}" >> "$SHIM_LOG"
if [ -f "$dir/fail-$op" ]; then
  echo "forced failure of $op" >&2
  exit 1
fi
case "$op" in
  process)  echo '{"success":true,"stats":{"processed":2}}' ;;
  seed)     echo '{"success":true,"stats":{"artists":1,"search":{"indexed":1}}}' ;;
  frontend) echo '{"success":true,"artistCount":1,"generationTimeMs":5}' ;;
esac
`

// Harness builds the seedsync binary and drives it against a scratch project
type Harness struct {
	t       *testing.T
	binary  string
	Root    string
	Config  string
	shimDir string
	shimLog string
}

// NewHarness builds the binary and lays out an empty project
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	h := &Harness{t: t, Root: t.TempDir()}
	h.shimDir = filepath.Join(h.Root, "shim")
	h.shimLog = filepath.Join(h.shimDir, "calls.log")
	h.Config = filepath.Join(h.Root, "seedsync.yaml")

	if err := h.build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	if err := os.MkdirAll(h.shimDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.shimDir, "collaborator.sh"), []byte(shimScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *Harness) build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.ModuleRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "seedsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/seedsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes seedsync.yaml wiring every collaborator to the shim
func (h *Harness) WriteConfig(tracking string) {
	h.t.Helper()

	shim := filepath.Join(h.shimDir, "collaborator.sh")
	content := tracking + fmt.Sprintf(`
scenarios: [empty, busy-studio]

collaborators:
  env:
    SHIM_LOG: %q
  process_images: [%q, "process"]
  seed_all: [%q, "seed"]
  seed_scenario: [%q, "seed"]
  clear: [%q, "clear"]
  sync_frontend: [%q, "frontend"]
`, h.shimLog, shim, shim, shim, shim, shim)

	if err := os.WriteFile(h.Config, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// WriteFile writes a project file relative to Root
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	testutil.WriteTree(h.t, h.Root, map[string]string{rel: content})
}

// StatePath returns a file inside the default state directory
func (h *Harness) StatePath(name string) string {
	return filepath.Join(h.Root, ".seedsync", name)
}

// FileExists checks if a file exists
func (h *Harness) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Run executes the binary with the project config and returns stdout,
// stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	full := append([]string{"--config", h.Config, "--no-color"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode := h.Run(ctx, args...)
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// FailOp makes the shim fail for op until cleared
func (h *Harness) FailOp(op string, fail bool) {
	h.t.Helper()
	marker := filepath.Join(h.shimDir, "fail-"+op)
	if fail {
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			h.t.Fatal(err)
		}
		return
	}
	_ = os.Remove(marker)
}

// ReadCallLog parses the shim invocation log
func (h *Harness) ReadCallLog() []CallLogEntry {
	h.t.Helper()

	f, err := os.Open(h.shimLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("open call log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var entries []CallLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		entry := CallLogEntry{Op: fields[0]}
		if len(fields) > 1 {
			entry.Scenario = fields[1]
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		h.t.Fatalf("read call log: %v", err)
	}
	return entries
}

// ClearCallLog truncates the shim invocation log
func (h *Harness) ClearCallLog() {
	h.t.Helper()
	if err := os.WriteFile(h.shimLog, nil, 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// CallLogEntry is one collaborator invocation
type CallLogEntry struct {
	Op       string
	Scenario string
}

// Ops lists the invoked operations in order
func Ops(entries []CallLogEntry) []string {
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	return ops
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
