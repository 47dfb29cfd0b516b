package runner

// State is the terminal state of a run.
type State string

const (
	StateFinished State = "finished"
	StateError    State = "error"
)

// Status is emitted exactly once per run, after all of its output.
// ExitCode is set when the program was reaped before the status went out.
type Status struct {
	State    State `json:"status"`
	ExitCode *int  `json:"exit_code,omitempty"`
}

// Sink receives the events of every run. Calls for one run arrive in order
// and never concurrently with each other.
type Sink interface {
	Output(runID, text string)
	Status(runID string, status Status)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields drop the event.
type SinkFuncs struct {
	OnOutput func(runID, text string)
	OnStatus func(runID string, status Status)
}

func (s SinkFuncs) Output(runID, text string) {
	if s.OnOutput != nil {
		s.OnOutput(runID, text)
	}
}

func (s SinkFuncs) Status(runID string, status Status) {
	if s.OnStatus != nil {
		s.OnStatus(runID, status)
	}
}
