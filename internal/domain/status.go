package domain

import "time"

// State is the coarse outcome reported on the status channel.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// Phase is the step of the cycle currently executing.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseProcessing  Phase = "processing"
	PhaseAggregating Phase = "aggregating"
	PhaseExporting   Phase = "exporting"
	PhaseSleeping    Phase = "sleeping"
)

// Status is the progress report published for external observers.
type Status struct {
	State     State     `json:"state"`
	Phase     Phase     `json:"phase"`
	Files     []string  `json:"files"`
	Message   string    `json:"message"`
	Cycle     string    `json:"cycle,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStatus builds a Status stamped with the current time.
func NewStatus(state State, phase Phase, message string, files ...string) Status {
	if files == nil {
		files = []string{}
	}
	return Status{
		State:     state,
		Phase:     phase,
		Files:     files,
		Message:   message,
		UpdatedAt: clock.Now().UTC(),
	}
}
