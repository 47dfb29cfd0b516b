package runner

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/michaelbrown/galaxy/internal/config"
)

var errMasterClosed = errors.New("PTY master closed")

// pump streams one session's PTY output to the sink.
//
// It polls the master with a bounded timeout, decodes and normalizes whatever
// it reads, and forwards it at once. When the program exits it waits briefly
// for the kernel to flush, drains what is left, then emits the run's status and
// releases the master. A stop request ends it at the next poll.
type pump struct {
	sess   *Session
	sink   Sink
	logger *zap.Logger

	pollInterval time.Duration
	drainDelay   time.Duration

	fd  int
	buf []byte
	dec *Decoder
	nl  Newlines
}

func newPump(sess *Session, sink Sink, cfg config.RunnerConfig, logger *zap.Logger) *pump {
	return &pump{
		sess:         sess,
		sink:         sink,
		logger:       logger.With(zap.String("component", "pump")),
		pollInterval: cfg.PollInterval,
		drainDelay:   cfg.DrainDelay,
		buf:          make([]byte, cfg.ChunkSize),
		dec:          NewDecoder(),
	}
}

func (p *pump) run() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("output pump panicked", zap.Any("panic", r))
		}
		p.finish()
	}()

	fd, err := rawFd(p.sess)
	if err != nil {
		p.logger.Warn("stream fault", zap.Error(err))
		return
	}
	p.fd = fd
	p.stream()
}

func (p *pump) stream() {
	for {
		if p.sess.stopRequested() {
			return
		}

		ready, err := p.wait()
		if err != nil {
			p.logger.Warn("stream fault", zap.Error(err))
			return
		}
		if ready && p.read() {
			return
		}

		select {
		case <-p.sess.proc.Exited():
			p.drain()
			return
		default:
		}
	}
}

// drain collects output the program wrote just before it exited.
func (p *pump) drain() {
	p.logger.Debug("program exited, draining")

	timer := time.NewTimer(p.drainDelay)
	select {
	case <-timer.C:
	case <-p.sess.stop:
		timer.Stop()
		return
	}

	for !p.sess.stopRequested() {
		ready, err := p.wait()
		if err != nil || !ready {
			return
		}
		if p.read() {
			return
		}
	}
}

// wait polls the master for up to one poll interval.
func (p *pump) wait() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	timeout := int(p.pollInterval / time.Millisecond)
	if timeout < 1 {
		timeout = 1
	}

	n, err := unix.Poll(fds, timeout)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("polling PTY master: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, errMasterClosed
	}
	// POLLHUP without POLLIN still needs a read to observe EIO.
	return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
}

// read consumes one chunk and reports whether the stream has ended.
func (p *pump) read() bool {
	n, err := p.sess.master.Read(p.buf)
	if n > 0 {
		p.emit(p.dec.Decode(p.buf[:n], false))
	}
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// The slave side is gone: every holder exited.
			p.logger.Debug("PTY closed")
		default:
			p.logger.Warn("stream fault", zap.Error(err))
		}
		return true
	}
	return n == 0
}

func (p *pump) emit(text string) {
	if text == "" || p.sess.stopRequested() {
		return
	}
	p.sink.Output(p.sess.ID, p.nl.Normalize(text))
}

// finish runs on every exit path: trailing bytes, stop notice, status, close.
func (p *pump) finish() {
	if !p.sess.stopRequested() {
		if tail := p.dec.Decode(nil, true); tail != "" {
			p.sink.Output(p.sess.ID, p.nl.Normalize(tail))
		}
		// The PTY usually reports EOF a moment before the program is reaped.
		timer := time.NewTimer(p.pollInterval)
		select {
		case <-p.sess.proc.Exited():
		case <-timer.C:
		}
		timer.Stop()
	} else if p.sess.notice != "" {
		p.sink.Output(p.sess.ID, p.sess.notice)
	}

	status := p.sess.status()
	p.logger.Info("run finished", zap.Intp("exit_code", status.ExitCode))
	p.sink.Status(p.sess.ID, status)

	p.sess.closeMaster(p.logger)
	close(p.sess.done)
}

func rawFd(sess *Session) (int, error) {
	raw, err := sess.master.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw conn for PTY master: %w", err)
	}
	fd := -1
	if err := raw.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, fmt.Errorf("PTY master descriptor: %w", err)
	}
	return fd, nil
}
