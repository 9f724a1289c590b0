// Package audit provides PDR (Process Decision Record) writing for myme.
// Every store-mutating operation and every sync pass leaves a record whose
// inputs are hashed rather than stored, so secrets and bodies never land in
// the audit table.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/myme/internal/logging"
	"github.com/rs/zerolog"
)

// Outcomes recorded by callers.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeConflict  = "conflict"
)

// Sink persists a hashed record.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) error
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger zerolog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink) *PDRWriter {
	return &PDRWriter{sink: sink, logger: logging.Component("audit")}
}

// Record writes a PDR entry. A failing audit write never fails the
// operation that triggered it; it is logged instead.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) {
	if err := w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, taskID, details); err != nil {
		w.logger.Warn().Ctx(ctx).Err(err).Str("action", action).Msg("write pdr")
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
