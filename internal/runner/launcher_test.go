package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func TestBuildEnvForcesUTF8(t *testing.T) {
	env := buildEnv([]string{"PATH=/bin", "LANG=en_US.ISO-8859-1", "LC_ALL=POSIX", "HOME=/root"})

	want := map[string]string{
		"PATH":             "/bin",
		"HOME":             "/root",
		"LANG":             "C.UTF-8",
		"LC_ALL":           "C.UTF-8",
		"PYTHONIOENCODING": "utf-8",
	}
	got := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if _, dup := got[k]; dup {
			t.Errorf("duplicate %s in env", k)
		}
		got[k] = v
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("env = %v, want %v", got, want)
	}
}

func fakeLookPath(found ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, f := range found {
			if f == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestFindToolPreference(t *testing.T) {
	lang := DefaultLanguages()[1] // cpp
	tests := []struct {
		name  string
		found []string
		want  string
		err   bool
	}{
		{"both", []string{"clang++", "g++"}, "/usr/bin/clang++", false},
		{"fallback", []string{"g++"}, "/usr/bin/g++", false},
		{"none", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Launcher{lookPath: fakeLookPath(tt.found...)}
			got, err := l.findTool(lang)
			if tt.err {
				if !errors.Is(err, ErrToolNotFound) {
					t.Fatalf("err = %v, want ErrToolNotFound", err)
				}
				if !strings.Contains(err.Error(), "'clang++' or 'g++'") {
					t.Errorf("message = %q", err.Error())
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("findTool = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestUnbuffered(t *testing.T) {
	l := &Launcher{lookPath: fakeLookPath("stdbuf")}
	l.cfg.Unbuffer = true
	got := l.unbuffered([]string{"/work/galaxy_runner"})
	want := []string{"/usr/bin/stdbuf", "-o0", "-e0", "/work/galaxy_runner"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unbuffered = %v, want %v", got, want)
	}

	l.lookPath = fakeLookPath()
	if got := l.unbuffered([]string{"/work/galaxy_runner"}); len(got) != 1 {
		t.Errorf("without stdbuf: %v", got)
	}

	l.lookPath = fakeLookPath("stdbuf")
	l.cfg.Unbuffer = false
	if got := l.unbuffered([]string{"/work/galaxy_runner"}); len(got) != 1 {
		t.Errorf("with unbuffer disabled: %v", got)
	}
}

func TestLaunchWritesSource(t *testing.T) {
	cfg := testRunnerConfig(t)
	l := NewLauncher(testLanguages(t), cfg, zaptest.NewLogger(t))

	proc, err := l.Launch(context.Background(), "echo hi\n", "sh")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Master.Close()
	defer proc.signalGroup(unix.SIGKILL)

	data, err := os.ReadFile(filepath.Join(cfg.WorkDir, "galaxy_runner.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo hi\n" {
		t.Errorf("source = %q", data)
	}
	if proc.SourcePath != filepath.Join(cfg.WorkDir, "galaxy_runner.sh") {
		t.Errorf("SourcePath = %q", proc.SourcePath)
	}
	if proc.Language.Name != "sh" {
		t.Errorf("Language = %q", proc.Language.Name)
	}
	<-proc.Exited()
	if code, ok := proc.ExitCode(); !ok || code != 0 {
		t.Errorf("ExitCode = %d, %v", code, ok)
	}
}

func TestLaunchToolMissingWritesNothing(t *testing.T) {
	cfg := testRunnerConfig(t)
	l := NewLauncher(testLanguages(t), cfg, zaptest.NewLogger(t))

	_, err := l.Launch(context.Background(), "x", "missing")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "galaxy_runner.txt")); !os.IsNotExist(err) {
		t.Error("source written although the tool is missing")
	}
}

func TestLaunchWriteError(t *testing.T) {
	cfg := testRunnerConfig(t)
	cfg.WorkDir = filepath.Join(cfg.WorkDir, "does", "not", "exist")
	l := NewLauncher(testLanguages(t), cfg, zaptest.NewLogger(t))

	_, err := l.Launch(context.Background(), "echo hi", "sh")
	if !errors.Is(err, ErrWriteSource) {
		t.Fatalf("err = %v, want ErrWriteSource", err)
	}
}

func TestDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"compile",
			&CompileError{Compiler: "g++", Output: "a.cpp:1: error\r\n", Err: errors.New("exit status 1")},
			"compile error:\r\na.cpp:1: error\r\n",
		},
		{
			"compile without trailing newline",
			&CompileError{Compiler: "g++", Output: "boom", Err: errors.New("exit status 1")},
			"compile error:\r\nboom\r\n",
		},
		{
			"tool",
			errors.Join(ErrToolNotFound),
			"error: tool not found\r\n",
		},
		{
			"other",
			errors.New("line one\nline two"),
			"error: line one\r\nline two\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Diagnostic(tt.err); got != tt.want {
				t.Errorf("Diagnostic = %q, want %q", got, tt.want)
			}
		})
	}
}
