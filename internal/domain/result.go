package domain

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomePermanent Outcome = "permanent"
	OutcomeSkipped   Outcome = "skipped"
)

// ExecutionResult records one trigger pass's verdict for a single task.
type ExecutionResult struct {
	TaskID uuid.UUID
	Kind   ActionKind

	Outcome Outcome
	Err     string

	StartedAt  time.Time
	FinishedAt time.Time
}
