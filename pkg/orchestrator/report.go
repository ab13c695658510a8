package orchestrator

import (
	"errors"
	"time"

	"github.com/stakepool-labs/cranker/pkg/executor"
	"github.com/stakepool-labs/cranker/pkg/types"
)

// State is where the control loop is.
type State string

const (
	StateIdle        State = "idle"
	StateComputing   State = "computing"
	StateReconciling State = "reconciling"
	StateExecuting   State = "executing"
	StateRecording   State = "recording"
)

// States lists every State, for gauges.
var States = []string{
	string(StateIdle), string(StateComputing), string(StateReconciling), string(StateExecuting), string(StateRecording),
}

// Result is how a cycle ended.
type Result string

const (
	// ResultCompleted: every operation confirmed or skipped, epoch marked complete.
	ResultCompleted Result = "completed"
	// ResultPartial: the sequence drained but some operations were abandoned. The epoch is still
	// marked complete; the next epoch's reconcile picks the deltas up again.
	ResultPartial Result = "partial"
	// ResultDeferred: a transient failure or shutdown. The epoch is retried on a later tick.
	ResultDeferred Result = "deferred"
	// ResultAborted: inputs were inconsistent. Also retried, but worth an alert.
	ResultAborted Result = "aborted"
	// ResultSkipped: another instance holds the leader lock.
	ResultSkipped Result = "skipped"
	// ResultDryRun: operations were planned and logged but not submitted. Nothing was recorded.
	ResultDryRun Result = "dry_run"
)

// CycleReport describes one crank attempt.
type CycleReport struct {
	Epoch      uint64              `json:"epoch"`
	Result     Result              `json:"result"`
	Stage      State               `json:"stage,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Metrics    *types.EpochMetrics `json:"metrics,omitempty"`
	Operations int                 `json:"operations"`
	Confirmed  int                 `json:"confirmed"`
	Skipped    int                 `json:"skipped"`
	Abandoned  int                 `json:"abandoned"`
	Pending    int                 `json:"pending"`
	Summary    *executor.Summary   `json:"summary,omitempty"`
	Err        error               `json:"-"`
	Error      string              `json:"error,omitempty"`
}

func (r *CycleReport) fail(stage State, err error) {
	r.Stage = stage
	r.Err = err
	r.Error = err.Error()
	if errors.Is(err, types.ErrInvalidInput) {
		r.Result = ResultAborted
	} else {
		r.Result = ResultDeferred
	}
}

func (r *CycleReport) summarize(s executor.Summary) {
	r.Summary = &s
	r.Operations = len(s.Outcomes)
	r.Confirmed = s.Count(types.StateConfirmed)
	r.Skipped = s.Count(types.StateSkipped)
	r.Abandoned = s.Count(types.StateAbandoned)
	r.Pending = r.Operations - r.Confirmed - r.Skipped - r.Abandoned

	switch {
	case !s.Drained():
		r.Result = ResultDeferred
		r.Stage = StateExecuting
	case r.Abandoned > 0:
		r.Result = ResultPartial
	default:
		r.Result = ResultCompleted
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, types.ErrOperationAbandoned):
		return "abandoned"
	case errors.Is(err, types.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, types.ErrConfig):
		return "config"
	default:
		return "other"
	}
}
