package runner

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/config"
)

// Result is the complete output of a batch run.
type Result struct {
	RunID  string
	Output string
	Status Status
	// TimedOut is set when ctx ended before the program did.
	TimedOut bool
}

type bufferSink struct {
	mu     sync.Mutex
	runID  string
	out    strings.Builder
	status Status
}

func (b *bufferSink) Output(runID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = runID
	b.out.WriteString(text)
}

func (b *bufferSink) Status(runID string, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = runID
	b.status = status
}

// Collect runs req to completion on its own Supervisor, feeding stdin line by
// line, and returns everything it printed. If ctx ends first the program is
// stopped and the partial output returned. Launch failures come back as a
// Result with an error status, not as an error.
func Collect(ctx context.Context, launcher *Launcher, cfg config.RunnerConfig, logger *zap.Logger, req RunRequest, stdin []string) *Result {
	sink := &bufferSink{}
	sup := NewSupervisor(launcher, sink, cfg, logger)

	sess, err := sup.StartRun(ctx, req)
	if err != nil {
		return sink.result(false)
	}

	for _, line := range stdin {
		sup.SendInput(line)
	}

	timedOut := false
	select {
	case <-sess.Done():
	case <-ctx.Done():
		timedOut = true
		sup.Stop()
		<-sess.Done()
	}
	return sink.result(timedOut)
}

func (b *bufferSink) result(timedOut bool) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Result{
		RunID:    b.runID,
		Output:   b.out.String(),
		Status:   b.status,
		TimedOut: timedOut,
	}
}
