package flow

import "time"

// OutcomeKind discriminates the result of one node execution.
type OutcomeKind string

const (
	// OutcomeCompleted means the node finished and produced a value.
	OutcomeCompleted OutcomeKind = "completed"

	// OutcomeHalted means the node deliberately ended the run early.
	OutcomeHalted OutcomeKind = "halted"

	// OutcomeFailed means the node failed; Retryable controls whether
	// the executor re-invokes it.
	OutcomeFailed OutcomeKind = "failed"

	// OutcomeSuspended means the node parked the run; it is resumed
	// later by an external trigger re-entering at the same node.
	OutcomeSuspended OutcomeKind = "suspended"
)

// Outcome is what a node handler reports back to the executor.
type Outcome struct {
	Kind OutcomeKind

	// Value is the node's output (Kind == OutcomeCompleted).
	Value any

	// Reason explains a halt (Kind == OutcomeHalted).
	Reason string

	// Err is the failure cause (Kind == OutcomeFailed).
	Err error

	// Retryable marks a failure as transient. The executor retries
	// with backoff up to the node's attempt budget.
	Retryable bool

	// ResumeToken identifies the suspension for the resume entry point
	// (Kind == OutcomeSuspended).
	ResumeToken string

	// ResumeAfter is the earliest time the run may be resumed.
	ResumeAfter time.Time
}

// Completed reports a successful execution with the given output value.
func Completed(value any) Outcome {
	return Outcome{Kind: OutcomeCompleted, Value: value}
}

// Halted reports a deliberate early termination of the run.
func Halted(reason string) Outcome {
	return Outcome{Kind: OutcomeHalted, Reason: reason}
}

// Failed reports a terminal failure.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// RetryableFailure reports a transient failure the executor may retry.
func RetryableFailure(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Retryable: true}
}

// Suspended parks the run until resumeAfter, identified by resumeToken.
func Suspended(resumeToken string, resumeAfter time.Time) Outcome {
	return Outcome{Kind: OutcomeSuspended, ResumeToken: resumeToken, ResumeAfter: resumeAfter}
}
