package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage marks where in its lifetime a worker task was when the event fired.
type Stage string

// Task stages.
const (
	StageTaskStart Stage = "TASK_START"
	StageTaskDone  Stage = "TASK_DONE"
	StageTaskError Stage = "TASK_ERROR"
)

// Event is one task milestone.
type Event struct {
	TaskID string    `json:"task_id"`
	TS     time.Time `json:"ts"`
	Stage  Stage     `json:"stage"`
	// Mode is the loader cache strategy the task ran with.
	Mode    string `json:"mode,omitempty"`
	Hash    string `json:"hash,omitempty"`
	URL     string `json:"url"`
	Profile string `json:"profile,omitempty"`
	// Dur is the task runtime; zero for TASK_START.
	Dur time.Duration `json:"dur"`
	// Reason is the failure reason of a TASK_ERROR event.
	Reason string `json:"reason,omitempty"`
}

// Validate rejects events a sink could not make sense of.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone:
	case StageTaskError:
		if e.Reason == "" {
			return errors.New("task error requires a reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
