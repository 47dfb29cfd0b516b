package runner

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Session is one run: the program, its PTY master and the pump streaming it.
// The Supervisor owns it; the pump only reads its fields.
type Session struct {
	ID        string
	StartedAt time.Time

	proc   *Process
	master *os.File

	closeOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	notice   string

	done chan struct{}
}

// SessionInfo is a snapshot for API responses.
type SessionInfo struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

func newSession(id string, proc *Process) *Session {
	return &Session{
		ID:        id,
		StartedAt: time.Now().UTC(),
		proc:      proc,
		master:    proc.Master,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done is closed after the run's status event has been emitted and its PTY
// master released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Process returns the running program.
func (s *Session) Process() *Process {
	return s.proc
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		Language:  s.proc.Language.Name,
		Pid:       s.proc.Pid(),
		StartedAt: s.StartedAt,
		Running:   !s.finished(),
	}
	if code, ok := s.proc.ExitCode(); ok {
		info.ExitCode = &code
	}
	return info
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// requestStop tells the pump to wind down without emitting more program output.
// notice, if set, is emitted as the run's last output before its status.
func (s *Session) requestStop(notice string) {
	s.stopOnce.Do(func() {
		s.notice = notice
		close(s.stop)
	})
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// status reports the run's terminal status, with the exit code when the
// program has already been reaped.
func (s *Session) status() Status {
	st := Status{State: StateFinished}
	if code, ok := s.proc.ExitCode(); ok {
		st.ExitCode = &code
	}
	return st
}

// closeMaster releases the PTY master exactly once, whoever gets there first.
func (s *Session) closeMaster(logger *zap.Logger) {
	s.closeOnce.Do(func() {
		if err := s.master.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug("closing PTY master", zap.Error(err))
		}
	})
}

// killWait bounds the wait for a SIGKILLed program to be reaped. Only a
// process stuck in uninterruptible sleep takes longer.
const killWait = 5 * time.Second

// terminate sends SIGTERM to the program's process group and, if the program
// is still around after grace, SIGKILL. It returns once the program has been
// reaped, so the caller never overlaps it with a new one.
func (s *Session) terminate(grace time.Duration, logger *zap.Logger) {
	if s.proc.hasExited() {
		return
	}
	if err := s.proc.signalGroup(unix.SIGTERM); err != nil {
		logger.Warn("terminating program", zap.Error(err))
	}
	if s.waitExit(grace) {
		return
	}

	logger.Warn("program ignored SIGTERM, killing", zap.Int("pgid", s.proc.Pid()))
	if err := s.proc.signalGroup(unix.SIGKILL); err != nil {
		logger.Warn("killing program", zap.Error(err))
	}
	if !s.waitExit(killWait) {
		logger.Error("program survived SIGKILL", zap.Int("pgid", s.proc.Pid()))
	}
}

// waitExit waits up to d for the program to be reaped.
func (s *Session) waitExit(d time.Duration) bool {
	if d <= 0 {
		return s.proc.hasExited()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.proc.Exited():
		return true
	case <-timer.C:
		return false
	}
}
