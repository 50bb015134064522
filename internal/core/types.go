package core

import (
	"fmt"
	"time"
)

// Outcome describes the state of an individual fog task run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ParseOutcome validates an outcome name. The empty string is rejected.
func ParseOutcome(value string) (Outcome, error) {
	switch o := Outcome(value); o {
	case OutcomeRunning, OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
		return o, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q, want running, completed, failed or cancelled", ErrValidation, value)
	}
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// State is the controller's position in its run/stop cycle.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config is the operator-controlled schedule.
type Config struct {
	Enabled bool         `json:"enabled"`
	Windows []TimeWindow `json:"schedule"`
}

// Clone returns a copy that shares no memory with c.
func (c Config) Clone() Config {
	out := Config{Enabled: c.Enabled}
	if c.Windows != nil {
		out.Windows = append(make([]TimeWindow, 0, len(c.Windows)), c.Windows...)
	}
	return out
}

// ConfigPatch carries a partial config update. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled *bool
	Windows *[]TimeWindow
}

// TaskRecord captures a single run of the fog task.
type TaskRecord struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   Outcome    `json:"outcome"`
	Error     string     `json:"error,omitempty"`
}

func (r TaskRecord) clone() TaskRecord {
	if r.EndedAt != nil {
		ended := *r.EndedAt
		r.EndedAt = &ended
	}
	return r
}

// Status is the merged view served to polling clients. It is computed on
// demand and never stored.
type Status struct {
	Enabled     bool         `json:"enabled"`
	State       State        `json:"state"`
	CurrentTask *TaskRecord  `json:"current_task"`
	Schedule    []TimeWindow `json:"schedule"`
	History     []TaskRecord `json:"history"`
	NextTick    *time.Time   `json:"next_tick,omitempty"`
	// Connected reports whether the task center answered its health check.
	// It is null when no StatusProvider is configured.
	Connected   *bool        `json:"connected"`
}
