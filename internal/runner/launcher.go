package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/michaelbrown/galaxy/internal/config"
	"github.com/michaelbrown/galaxy/internal/tty"
)

// utf8Env is forced on every child regardless of the host locale.
var utf8Env = [][2]string{
	{"PYTHONIOENCODING", "utf-8"},
	{"LANG", "C.UTF-8"},
	{"LC_ALL", "C.UTF-8"},
}

// compileWaitDelay bounds how long a killed compiler's leftover children may
// hold its stderr pipe open.
const compileWaitDelay = time.Second

// Launcher writes submitted source to disk, compiles it when needed and starts
// it on a fresh PTY.
type Launcher struct {
	langs  *Languages
	cfg    config.RunnerConfig
	logger *zap.Logger

	lookPath func(string) (string, error)
}

func NewLauncher(langs *Languages, cfg config.RunnerConfig, logger *zap.Logger) *Launcher {
	return &Launcher{
		langs:    langs,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "launcher")),
		lookPath: exec.LookPath,
	}
}

// Languages returns the language table the launcher resolves tags against.
func (l *Launcher) Languages() *Languages {
	return l.langs
}

// Process is a started program. Exited is closed once the program has been
// reaped.
type Process struct {
	Cmd        *exec.Cmd
	Master     *os.File
	Language   Language
	SourcePath string
	ExecPath   string

	exited   chan struct{}
	exitCode int
	waitErr  error
}

// Launch prepares and starts code written in the language named by tag.
// On error nothing is left open.
func (l *Launcher) Launch(ctx context.Context, code, tag string) (*Process, error) {
	lang, err := l.langs.Lookup(tag)
	if err != nil {
		return nil, err
	}

	baseDir, err := l.cfg.BaseDir()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteSource, err)
	}

	tool, err := l.findTool(lang)
	if err != nil {
		return nil, err
	}

	env := buildEnv(os.Environ())

	sourcePath := filepath.Join(baseDir, lang.SourceFile)
	if err := os.WriteFile(sourcePath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteSource, err)
	}

	var argv []string
	var execPath string
	switch lang.Kind {
	case Interpreted:
		argv = append([]string{tool}, lang.Flags...)
		argv = append(argv, sourcePath)
	case Compiled:
		execPath = filepath.Join(baseDir, lang.Executable)
		if err := l.compile(ctx, tool, lang, sourcePath, execPath, baseDir, env); err != nil {
			return nil, err
		}
		argv = l.unbuffered([]string{execPath})
	}

	proc, err := l.spawn(argv, baseDir, env)
	if err != nil {
		return nil, err
	}
	proc.Language = lang
	proc.SourcePath = sourcePath
	proc.ExecPath = execPath
	return proc, nil
}

func (l *Launcher) findTool(lang Language) (string, error) {
	for _, name := range lang.Tools {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	quoted := make([]string, len(lang.Tools))
	for i, name := range lang.Tools {
		quoted[i] = "'" + name + "'"
	}
	return "", fmt.Errorf("%w: could not find %s", ErrToolNotFound, strings.Join(quoted, " or "))
}

func (l *Launcher) compile(ctx context.Context, compiler string, lang Language, src, out, dir string, env []string) error {
	if l.cfg.CompileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CompileTimeout)
		defer cancel()
	}

	args := append([]string{src}, lang.Flags...)
	args = append(args, "-o", out)

	l.logger.Info("compiling", zap.String("compiler", compiler), zap.String("source", src))

	cmd := exec.CommandContext(ctx, compiler, args...)
	cmd.Dir = dir
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Compilers fork (cc1plus, ld); cancellation takes the whole group down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = compileWaitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: compiling with %s", ErrCanceled, filepath.Base(compiler))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output := stderr.String()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			output += fmt.Sprintf("compilation timed out after %s\n", l.cfg.CompileTimeout)
		}
		return &CompileError{
			Compiler: filepath.Base(compiler),
			Output:   NormalizeNewlines(output),
			Err:      err,
		}
	}
	return fmt.Errorf("%w: running %s: %v", ErrSpawn, compiler, err)
}

// unbuffered wraps argv in stdbuf when it is available so the program's stdout
// and stderr reach the PTY without waiting for a full buffer.
func (l *Launcher) unbuffered(argv []string) []string {
	if !l.cfg.Unbuffer {
		return argv
	}
	stdbuf, err := l.lookPath("stdbuf")
	if err != nil {
		return argv
	}
	return append([]string{stdbuf, "-o0", "-e0"}, argv...)
}

func (l *Launcher) spawn(argv []string, dir string, env []string) (*Process, error) {
	pair, err := tty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := tty.DisableEcho(pair.Slave); err != nil {
		l.logger.Debug("clearing terminal echo failed, continuing", zap.Error(err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = pair.Slave
	cmd.Stdout = pair.Slave
	cmd.Stderr = pair.Slave
	// New session: the child leads its own process group (pgid == pid) and
	// takes the slave (fd 0 in the child) as its controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	l.logger.Info("starting program", zap.Strings("argv", argv))
	if err := cmd.Start(); err != nil {
		pair.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := pair.CloseSlave(); err != nil {
		l.logger.Debug("closing parent slave copy", zap.Error(err))
	}

	proc := &Process{
		Cmd:    cmd,
		Master: pair.Master,
		exited: make(chan struct{}),
	}
	go proc.wait()
	return proc, nil
}

func (p *Process) wait() {
	err := p.Cmd.Wait()
	p.waitErr = err
	p.exitCode = -1
	if p.Cmd.ProcessState != nil {
		p.exitCode = p.Cmd.ProcessState.ExitCode()
	}
	close(p.exited)
}

// Pid returns the program's process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.Cmd.Process.Pid
}

// Exited is closed after the program has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code once the program has been reaped; -1 means it
// was killed by a signal.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *Process) hasExited() bool {
	_, ok := p.ExitCode()
	return ok
}

// signalGroup delivers sig to the program's whole process group so forked
// descendants go down with it. A group that no longer exists is not an error.
func (p *Process) signalGroup(sig syscall.Signal) error {
	err := unix.Kill(-p.Pid(), sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signalling process group %d: %w", p.Pid(), err)
}

func buildEnv(base []string) []string {
	env := make([]string, 0, len(base)+len(utf8Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if isForced(key) {
			continue
		}
		env = append(env, kv)
	}
	for _, kv := range utf8Env {
		env = append(env, kv[0]+"="+kv[1])
	}
	return env
}

func isForced(key string) bool {
	for _, kv := range utf8Env {
		if kv[0] == key {
			return true
		}
	}
	return false
}
