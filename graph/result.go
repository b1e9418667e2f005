package graph

import (
	"time"

	"github.com/xraph/flowstate/id"
)

// StateRecord captures the outcome of entering one graph state during a
// run. Strategies append one record per visited state.
type StateRecord struct {
	StateID    string         `json:"state_id"`
	NodeName   string         `json:"node_name,omitempty"`
	Success    bool           `json:"success"`
	Skipped    bool           `json:"skipped,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration is the wall-clock time spent in the state.
func (r StateRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result is the aggregate outcome of one strategy run over a graph.
type Result struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	WorkflowID  id.WorkflowID  `json:"workflow_id"`
	Strategy    string         `json:"strategy"`
	Success     bool           `json:"success"`
	Suspended   bool           `json:"suspended,omitempty"`
	Records     []StateRecord  `json:"records"`
	Variables   map[string]any `json:"variables,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Record looks up the record for a state id, nil when the state was never
// visited.
func (r *Result) Record(stateID string) *StateRecord {
	for i := range r.Records {
		if r.Records[i].StateID == stateID {
			return &r.Records[i]
		}
	}
	return nil
}

// Visited reports how many states the run entered.
func (r *Result) Visited() int { return len(r.Records) }
