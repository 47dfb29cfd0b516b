package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/config"
)

// StopNotice is the last output of a run ended by an explicit stop.
const StopNotice = "\r\n[program stopped]"

// pumpStopTimeout bounds how long preemption waits for the old pump. A pump
// sees a stop request within one poll interval unless the sink is stuck.
const pumpStopTimeout = 5 * time.Second

// RunRequest is a client's request to run code.
type RunRequest struct {
	Code string `json:"code"`
	Lang string `json:"lang"`
}

// Supervisor owns the single active run. Starting a run tears down the
// previous one first, so at most one program and one PTY master exist at a
// time.
//
// Sink calls happen while the Supervisor's lock may be held, so a Sink must
// not call back into the Supervisor.
type Supervisor struct {
	launcher *Launcher
	sink     Sink
	cfg      config.RunnerConfig
	logger   *zap.Logger

	// startMu serializes StartRun. It is held across Launch, which may
	// compile for a long time; mu is not, so Stop, SendInput and Active stay
	// responsive meanwhile.
	startMu sync.Mutex

	mu      sync.Mutex
	active  *Session
	pending *pendingLaunch
}

// pendingLaunch is a run whose program is still being prepared.
type pendingLaunch struct {
	cancel   context.CancelFunc
	canceled bool
	notice   string
}

func NewSupervisor(launcher *Launcher, sink Sink, cfg config.RunnerConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		launcher: launcher,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "supervisor")),
	}
}

// StartRun preempts any active run, then launches req and starts streaming it.
// A launch still in progress for an earlier request is cancelled; the newest
// request wins.
//
// A launch failure is reported to the sink as one output event carrying the
// diagnostic followed by an error status, and leaves no active run. The error
// is returned as well for callers that want to act on it. A launch cancelled
// by Stop or by a newer request reports a finished status instead and returns
// an error wrapping ErrCanceled.
func (s *Supervisor) StartRun(ctx context.Context, req RunRequest) (*Session, error) {
	s.mu.Lock()
	s.cancelPendingLocked("")
	s.mu.Unlock()

	s.startMu.Lock()
	defer s.startMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingLaunch{cancel: cancel}

	s.mu.Lock()
	s.preemptLocked("")
	s.pending = p
	s.mu.Unlock()

	id := uuid.NewString()
	log := s.logger.With(zap.String("run_id", id))
	log.Info("run requested", zap.String("lang", req.Lang), zap.Int("code_bytes", len(req.Code)))

	proc, err := s.launcher.Launch(ctx, req.Code, req.Lang)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == p {
		s.pending = nil
	}

	if err != nil {
		if p.canceled {
			log.Info("launch cancelled", zap.Error(err))
			if p.notice != "" {
				s.sink.Output(id, p.notice)
			}
			s.sink.Status(id, Status{State: StateFinished})
			if !errors.Is(err, ErrCanceled) {
				err = fmt.Errorf("%w: %v", ErrCanceled, err)
			}
			return nil, err
		}
		log.Warn("launch failed", zap.Error(err))
		s.sink.Output(id, Diagnostic(err))
		s.sink.Status(id, Status{State: StateError})
		return nil, err
	}

	sess := newSession(id, proc)
	s.active = sess
	go newPump(sess, s.sink, s.cfg, log).run()
	log.Info("run started", zap.String("language", proc.Language.Name), zap.Int("pid", proc.Pid()))

	if p.canceled {
		// Cancelled just as the program started: tear it down like any run.
		s.preemptLocked(p.notice)
		return nil, fmt.Errorf("%w: stopped while starting", ErrCanceled)
	}
	return sess, nil
}

// Stop ends the active run, or cancels a run still being prepared. It reports
// whether anything was stopped; with nothing running it does nothing.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	canceled := s.cancelPendingLocked(StopNotice)
	stopped := s.preemptLocked(StopNotice)
	return canceled || stopped
}

// Shutdown ends the active run and any launch in progress without a stop
// notice.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked("")
	s.preemptLocked("")
}

// SendInput writes a line of input to the active program. A trailing newline
// is added when missing. Without a live run the input is dropped.
func (s *Supervisor) SendInput(text string) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()

	if sess == nil || sess.finished() {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := sess.master.Write([]byte(text)); err != nil {
		// The program is gone; the pump notices on its own.
		s.logger.Debug("input dropped", zap.String("run_id", sess.ID), zap.Error(err))
	}
}

// Active returns the current run, if any. A run stays current after its
// program exits until the next run or stop replaces it.
func (s *Supervisor) Active() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

func (s *Supervisor) cancelPendingLocked(notice string) bool {
	p := s.pending
	if p == nil || p.canceled {
		return false
	}
	p.canceled = true
	p.notice = notice
	p.cancel()
	return true
}

// preemptLocked tears down the active run: stop the pump, kill the process
// group and wait for it to be reaped, then wait for the pump to emit its
// status and release the master.
func (s *Supervisor) preemptLocked(notice string) bool {
	sess := s.active
	if sess == nil {
		return false
	}
	s.active = nil

	log := s.logger.With(zap.String("run_id", sess.ID))
	live := !sess.finished()

	// Stop the pump before signalling so it does not report the killed
	// program's EOF as a normal finish.
	sess.requestStop(notice)
	sess.terminate(s.cfg.KillGrace, log)

	timer := time.NewTimer(pumpStopTimeout)
	defer timer.Stop()
	select {
	case <-sess.done:
	case <-timer.C:
		log.Warn("output pump did not stop in time, closing PTY master")
		sess.closeMaster(log)
	}

	if live {
		log.Info("run preempted")
	}
	return live
}
