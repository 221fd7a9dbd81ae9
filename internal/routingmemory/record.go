// Package routingmemory stores execution records: one append-only record
// per pipeline run, kept for audit and as feedback for future routing.
package routingmemory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
)

var (
	ErrDuplicateRecord = errors.New("record already exists")
	ErrRecordNotFound  = errors.New("record not found")
	ErrInvalidRecord   = errors.New("invalid record")
)

// Record is the outcome of one pipeline run.
type Record struct {
	RecordID         string           `json:"record_id"`
	TaskID           string           `json:"task_id"`
	IntentName       string           `json:"intent_name"`
	TaskCount        int              `json:"task_count"`
	ExecutionSuccess bool             `json:"execution_success"`
	UserCorrection   bool             `json:"user_correction"`
	LatencyMS        int64            `json:"latency_ms"`
	TaskResults      []map[string]any `json:"task_results"`
	CreatedAt        time.Time        `json:"created_at"`

	// Task is the request text after secret scrubbing.
	Task           string           `json:"task,omitempty"`
	SemanticUnit   semantic.Unit    `json:"semantic_unit"`
	FinalState     string           `json:"final_state"`
	Outcome        string           `json:"outcome"`
	PolicyDecision *policy.Decision `json:"policy_decision,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
}

// Validate checks the identity fields.
func (r Record) Validate() error {
	if r.RecordID == "" {
		return fmt.Errorf("%w: record_id is required", ErrInvalidRecord)
	}
	if r.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidRecord)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidRecord)
	}
	return nil
}

// Store appends records. Records are never updated or deleted.
type Store interface {
	Append(ctx context.Context, r Record) error
}

// Reader reads back records.
type Reader interface {
	Get(ctx context.Context, recordID string) (Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
}
