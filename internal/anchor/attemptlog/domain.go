// Package attemptlog defines the durable trail of ledger anchoring attempts.
//
// Every attempt the anchor client makes is appended as one row. The log
// serves two purposes:
//
//  1. Observability: you can see how many attempts an anchor took, how long
//     the client backed off before each one and jump to the trace via the
//     trace_id field.
//
//  2. Reconciliation: a record whose last row is EXHAUSTED or CANCELLED is
//     the reconciler's cue that its anchor reference is still pending.
package attemptlog

import "time"

// Outcome is the result of one anchoring attempt.
type Outcome string

const (
	OutcomeConfirmed       Outcome = "CONFIRMED"
	OutcomeAlreadyAnchored Outcome = "ALREADY_ANCHORED"
	OutcomeRetrying        Outcome = "RETRYING"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomeExhausted       Outcome = "EXHAUSTED"
	OutcomeCancelled       Outcome = "CANCELLED"
)

// Attempt is a single row in the anchor_attempts table.
type Attempt struct {
	// Key joins all attempts for one submission: "<eventType>:<batchID>".
	Key string

	EventType   string
	BatchID     string
	ContentHash string

	// Number is 1-based.
	Number  int
	Outcome Outcome

	// Delay is how long the client waited before this attempt started.
	Delay time.Duration

	TxID  string
	Error string

	// TraceID and SpanID come from the OTel span active for the attempt.
	TraceID string
	SpanID  string

	At time.Time
}

// Key builds the submission key for eventType and batchID.
func Key(eventType, batchID string) string {
	return eventType + ":" + batchID
}
