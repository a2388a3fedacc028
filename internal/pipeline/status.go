package pipeline

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the status of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Active reports whether the step still blocks the run from finishing.
func (s StepStatus) Active() bool {
	return s == StepPending || s == StepReady || s == StepRunning
}

// Settled reports whether the step reached a terminal status.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// legalSteps is the complete step state machine.
var legalSteps = map[StepStatus][]StepStatus{
	StepPending: {StepReady, StepSkipped},
	StepReady:   {StepRunning},
	StepRunning: {StepCompleted, StepFailed},
}

// CanTransition reports whether from -> to is a legal step edge.
func CanTransition(from, to StepStatus) bool {
	for _, next := range legalSteps[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveStatus computes the overall status from step statuses. It never
// returns RunCancelled; cancellation is an override applied by the owner.
func DeriveStatus(statuses []StepStatus) RunStatus {
	failed := false
	for _, s := range statuses {
		if s.Active() {
			return RunRunning
		}
		if s == StepFailed {
			failed = true
		}
	}
	if failed {
		return RunFailed
	}
	return RunCompleted
}
