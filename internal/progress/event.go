package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported invocation stages.
const (
	StageInvokeStart   Stage = "INVOKE_START"
	StageSlotAcquired  Stage = "SLOT_ACQUIRED"
	StageWorkerSpawned Stage = "WORKER_SPAWNED"
	StageInvokeDone    Stage = "INVOKE_DONE"
	StageInvokeFailed  Stage = "INVOKE_FAILED"
)

// Event captures one step of a worker invocation.
type Event struct {
	// RequestID is the correlation id of the search request.
	RequestID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Result is "success" or a failure kind; set on terminal stages.
	Result string
	// PID is the worker process id once spawned.
	PID int
	// ExitCode is the worker exit code when it exited on its own.
	ExitCode int
	// Dur is the slot wait for SLOT_ACQUIRED and the run time for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as a failure detail.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageInvokeStart, StageSlotAcquired:
	case StageWorkerSpawned:
		if e.PID <= 0 {
			return errors.New("worker spawned requires pid")
		}
	case StageInvokeDone, StageInvokeFailed:
		if e.Result == "" {
			return errors.New("terminal stage requires result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes an invocation.
func (e Event) Terminal() bool {
	return e.Stage == StageInvokeDone || e.Stage == StageInvokeFailed
}
