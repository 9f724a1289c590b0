package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fentz26/myme/internal/errs"
)

// Kind names what an operation does; each kind has one handler.
type Kind string

const (
	KindFetch         Kind = "fetch"
	KindCreate        Kind = "create"
	KindUpdate        Kind = "update"
	KindMove          Kind = "move"
	KindDelete        Kind = "delete"
	KindSync          Kind = "sync"
	KindResolve       Kind = "resolve"
	KindAuthenticate  Kind = "authenticate"
	KindPull          Kind = "pull"
	KindProjectCreate Kind = "project.create"
	KindProjectLink   Kind = "project.link"
	// KindCancel requests cancellation of another operation and completes
	// immediately.
	KindCancel Kind = "cancel"
)

// Operation is one unit of work submitted by an owner. It is immutable once
// submitted.
type Operation struct {
	ID        uint64          `json:"id"`
	Kind      Kind            `json:"kind"`
	Owner     string          `json:"owner"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewOperation builds an operation with payload encoded as JSON. The id is
// assigned on Submit.
func NewOperation(kind Kind, owner string, payload any) (Operation, error) {
	op := Operation{Kind: kind, Owner: owner}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Operation{}, errs.E(errs.KindValidation, "scheduler.operation", "payload is not encodable", err)
		}
		op.Payload = data
	}
	return op, nil
}

// Decode unmarshals the payload into v.
func (op Operation) Decode(v any) error {
	if len(op.Payload) == 0 {
		return errs.Invalid(string(op.Kind), "%s needs a payload", op.Kind)
	}
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return errs.E(errs.KindValidation, string(op.Kind), "malformed payload", err)
	}
	return nil
}

// CancelPayload is the payload of a KindCancel operation.
type CancelPayload struct {
	OperationID uint64 `json:"operation_id"`
}

// Status is the terminal state of an operation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Cancellation reasons reported on cancelled outcomes.
const (
	ReasonRequested = "requested"
	ReasonTimeout   = "timeout"
	ReasonShutdown  = "shutdown"
)

// OutcomeError is the failure carried by a failed outcome.
type OutcomeError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Outcome is the single terminal report of an operation.
type Outcome struct {
	OperationID uint64        `json:"operation_id"`
	Owner       string        `json:"owner"`
	Kind        Kind          `json:"kind"`
	Status      Status        `json:"status"`
	Data        any           `json:"data,omitempty"`
	Error       *OutcomeError `json:"error,omitempty"`
	// Reason explains a cancelled outcome.
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Handle identifies a submitted operation.
type Handle struct {
	ID    uint64 `json:"id"`
	Owner string `json:"owner"`
}

// Handler executes operations of one kind. It must commit any store writes
// before returning.
type Handler func(ctx context.Context, op Operation) (any, error)
