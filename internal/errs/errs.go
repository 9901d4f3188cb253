// Package errs defines the error taxonomy shared by the pipeline phases.
// Phase runners return these typed errors; the engine records them on the
// phase verbatim and maps each kind to a terminal run disposition.
package errs

import "fmt"

// ValidationError rejects malformed input before a phase enters running.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvariantViolation is an internal consistency failure. Always fatal to the
// run.
type InvariantViolation struct {
	Message string
}

func (e InvariantViolation) Error() string { return e.Message }

// DanglingReferenceError reports a derived object referencing a nonexistent
// or inactive control.
type DanglingReferenceError struct {
	Kind      string
	RefID     string
	ControlID string
}

func (e DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s %s references control %s which is not activated for this run", e.Kind, e.RefID, e.ControlID)
}

// ExternalFailure wraps a failed downstream side effect. The run is marked
// failed and never retried automatically.
type ExternalFailure struct {
	Op  string
	Err error
}

func (e ExternalFailure) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e ExternalFailure) Unwrap() error { return e.Err }

// GateRejected carries a human rejection of a HITL gate.
type GateRejected struct {
	PhaseID string
	Reason  string
}

func (e GateRejected) Error() string {
	return fmt.Sprintf("gate on phase %s rejected: %s", e.PhaseID, e.Reason)
}

// Kind returns the taxonomy name recorded on the phase.
func Kind(err error) string {
	switch err.(type) {
	case ValidationError:
		return "validation_error"
	case InvariantViolation:
		return "invariant_violation"
	case DanglingReferenceError:
		return "dangling_reference"
	case ExternalFailure:
		return "external_failure"
	case GateRejected:
		return "gate_rejected"
	default:
		return "internal_error"
	}
}
