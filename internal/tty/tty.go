// Package tty allocates the pseudo-terminal a submitted program runs on.
//
// The master side stays with the server and carries the program's output and
// the client's keystrokes. The slave side becomes the program's stdin, stdout and
// stderr, so the program sees a real terminal and line-buffers like it would in
// a shell.
package tty

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Pair is an open master/slave pseudo-terminal.
type Pair struct {
	Master *os.File
	Slave  *os.File

	slaveOnce sync.Once
}

// Open allocates a new PTY pair.
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocating PTY: %w", err)
	}
	return &Pair{Master: master, Slave: slave}, nil
}

// CloseSlave closes the parent's copy of the slave. After the child has been
// started it holds its own duplicates, and the master only reports EOF/EIO once
// every slave copy is gone, so the parent must not keep one.
func (p *Pair) CloseSlave() error {
	var err error
	p.slaveOnce.Do(func() {
		err = p.Slave.Close()
	})
	return err
}

// Close releases both ends. Used when a launch fails before the master is handed
// over to a session.
func (p *Pair) Close() error {
	slaveErr := p.CloseSlave()
	if err := p.Master.Close(); err != nil {
		return err
	}
	return slaveErr
}

// DisableEcho clears ECHO on the terminal so input typed by the client is not
// reflected back; the client renders its own input.
func DisableEcho(f *os.File) error {
	termios, err := getTermios(f)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO
	return setTermios(f, termios)
}

// EchoEnabled reports whether ECHO is set on the terminal.
func EchoEnabled(f *os.File) (bool, error) {
	termios, err := getTermios(f)
	if err != nil {
		return false, err
	}
	return termios.Lflag&unix.ECHO != 0, nil
}

func setTermios(f *os.File, termios *unix.Termios) error {
	var setErr error
	if err := control(f, func(fd int) {
		setErr = unix.IoctlSetTermios(fd, ioctlWriteTermios, termios)
	}); err != nil {
		return err
	}
	if setErr != nil {
		return fmt.Errorf("setting termios on %s: %w", f.Name(), setErr)
	}
	return nil
}

func getTermios(f *os.File) (*unix.Termios, error) {
	var termios *unix.Termios
	var getErr error
	if err := control(f, func(fd int) {
		termios, getErr = unix.IoctlGetTermios(fd, ioctlReadTermios)
	}); err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, fmt.Errorf("reading termios on %s: %w", f.Name(), getErr)
	}
	return termios, nil
}

// control runs fn against the raw descriptor without flipping the file into
// blocking mode the way File.Fd would.
func control(f *os.File, fn func(fd int)) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn for %s: %w", f.Name(), err)
	}
	if err := raw.Control(func(fd uintptr) { fn(int(fd)) }); err != nil {
		return fmt.Errorf("control %s: %w", f.Name(), err)
	}
	return nil
}
