package pipeline

import "time"

// Progress is a value snapshot emitted on every transition. StepID is empty
// for run-level transitions (start and finish).
type Progress struct {
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id,omitempty"`
	StepStatus StepStatus        `json:"step_status,omitempty"`
	RunStatus  RunStatus         `json:"run_status"`
	Completed  int               `json:"completed"`
	Settled    int               `json:"settled"`
	Total      int               `json:"total"`
	Fraction   float64           `json:"fraction"`
	Outputs    map[string]string `json:"outputs"`
	At         time.Time         `json:"at"`
}

// Snapshot builds a Progress for the current state of r.
func (r *Run) Snapshot(stepID string, at time.Time) Progress {
	p := Progress{
		RunID:     r.ID,
		StepID:    stepID,
		RunStatus: r.Status,
		Total:     len(r.Order),
		Outputs:   r.Outputs(),
		At:        at,
	}
	if s, ok := r.Steps[stepID]; ok {
		p.StepStatus = s.Status
	}
	for _, id := range r.Order {
		st := r.Steps[id].Status
		if st == StepCompleted {
			p.Completed++
		}
		if st.Settled() {
			p.Settled++
		}
	}
	if p.Total > 0 {
		p.Fraction = float64(p.Settled) / float64(p.Total)
	}
	return p
}
