package runner

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/galaxy/internal/config"
)

type event struct {
	RunID  string
	Output string
	Status *Status
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingSink) Output(runID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{RunID: runID, Output: text})
}

func (r *recordingSink) Status(runID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := status
	r.events = append(r.events, event{RunID: runID, Status: &st})
}

func (r *recordingSink) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recordingSink) forRun(runID string) []event {
	var out []event
	for _, e := range r.snapshot() {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) outputFor(runID string) string {
	var b strings.Builder
	for _, e := range r.forRun(runID) {
		if e.Status == nil {
			b.WriteString(e.Output)
		}
	}
	return b.String()
}

func (r *recordingSink) statusesFor(runID string) []Status {
	var out []Status
	for _, e := range r.forRun(runID) {
		if e.Status != nil {
			out = append(out, *e.Status)
		}
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testRunnerConfig(t *testing.T) config.RunnerConfig {
	t.Helper()
	return config.RunnerConfig{
		WorkDir:         t.TempDir(),
		DefaultLanguage: "sh",
		PollInterval:    20 * time.Millisecond,
		DrainDelay:      50 * time.Millisecond,
		ChunkSize:       4096,
		KillGrace:       500 * time.Millisecond,
		CompileTimeout:  30 * time.Second,
	}
}

// fakeCompiler writes a shell script that behaves like a C++ compiler invoked
// as "cc src -o out": sources containing SYNTAX_ERROR fail with a diagnostic,
// sources containing SLOW_COMPILE touch "$src.compiling" and hang, anything
// else produces an executable that prints "compiled".
func fakeCompiler(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakecc")
	script := `#!/bin/sh
src="$1"
out="$3"
if grep -q SLOW_COMPILE "$src"; then
  touch "$src.compiling"
  sleep 30
fi
if grep -q SYNTAX_ERROR "$src"; then
  echo "$src:1:12: error: expected ';'" >&2
  echo "1 error generated." >&2
  exit 1
fi
printf '#!/bin/sh\necho compiled\n' > "$out"
chmod +x "$out"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLanguages(t *testing.T) *Languages {
	t.Helper()
	langs, err := NewLanguages([]Language{
		{
			Name:       "sh",
			Kind:       Interpreted,
			Tools:      []string{"sh"},
			SourceFile: "galaxy_runner.sh",
		},
		{
			Name:       "fakecpp",
			Kind:       Compiled,
			Tools:      []string{fakeCompiler(t)},
			SourceFile: "galaxy_runner.cpp",
			Executable: "galaxy_runner",
		},
		{
			Name:       "missing",
			Kind:       Interpreted,
			Tools:      []string{"galaxy-no-such-tool", "galaxy-no-such-tool2"},
			SourceFile: "galaxy_runner.txt",
		},
	}, "sh")
	if err != nil {
		t.Fatal(err)
	}
	return langs
}

func newTestSupervisor(t *testing.T) (*Supervisor, *recordingSink) {
	t.Helper()
	cfg := testRunnerConfig(t)
	logger := zaptest.NewLogger(t)
	sink := &recordingSink{}
	sup := NewSupervisor(NewLauncher(testLanguages(t), cfg, logger), sink, cfg, logger)
	t.Cleanup(sup.Shutdown)
	return sup, sink
}
