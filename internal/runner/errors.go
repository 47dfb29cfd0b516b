package runner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownLanguage = errors.New("unknown language")
	ErrToolNotFound    = errors.New("tool not found")
	ErrWriteSource     = errors.New("writing source")
	ErrSpawn           = errors.New("starting program")
	ErrCanceled        = errors.New("launch cancelled")
)

// CompileError is a compiler run that exited nonzero. Output holds the
// compiler's diagnostics with CRLF line endings.
type CompileError struct {
	Compiler string
	Output   string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling with %s: %v", e.Compiler, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Diagnostic renders a launch failure as the text shown to the client,
// in terminal line endings.
func Diagnostic(err error) string {
	var compileErr *CompileError
	switch {
	case errors.As(err, &compileErr):
		out := compileErr.Output
		if out != "" && !strings.HasSuffix(out, "\r\n") {
			out += "\r\n"
		}
		return "compile error:\r\n" + out
	case errors.Is(err, ErrToolNotFound):
		return "error: " + err.Error() + "\r\n"
	case errors.Is(err, ErrWriteSource):
		return "write failed: " + err.Error() + "\r\n"
	case errors.Is(err, ErrSpawn):
		return "launch failed: " + err.Error() + "\r\n"
	default:
		return "error: " + NormalizeNewlines(err.Error()) + "\r\n"
	}
}
