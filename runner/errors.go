package runner

import "fmt"

type (
	// CancelledError is the terminal error of a run whose cancellation
	// predicate fired. Cancellation is cooperative: the predicate is polled
	// at the top of each iteration, so tool calls in flight when it flips are
	// still resolved and recorded before the run fails.
	CancelledError struct {
		// RunID identifies the cancelled run.
		RunID string
		// Iteration is the iteration at which cancellation was observed.
		Iteration int
	}

	// MaxIterationsError is the terminal error of a run that consumed its
	// iteration budget without reaching a final answer.
	MaxIterationsError struct {
		// RunID identifies the run.
		RunID string
		// Limit is the iteration bound that was reached.
		Limit int
	}

	// ModelError wraps a provider failure that no error-handler extension
	// recovered.
	ModelError struct {
		// RunID identifies the run.
		RunID string
		// Err is the provider error.
		Err error
	}

	// ExtractionError wraps an output-extraction failure on a response the
	// behavior judged final.
	ExtractionError struct {
		// RunID identifies the run.
		RunID string
		// Err is the extraction or validation failure.
		Err error
	}
)

// Error implements error.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled at iteration %d", e.RunID, e.Iteration)
}

// Error implements error.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("run %s exceeded %d iteration(s) without completing", e.RunID, e.Limit)
}

// Error implements error.
func (e *ModelError) Error() string {
	return fmt.Sprintf("run %s: model request failed: %v", e.RunID, e.Err)
}

// Unwrap returns the provider error.
func (e *ModelError) Unwrap() error { return e.Err }

// Error implements error.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("run %s: output extraction failed: %v", e.RunID, e.Err)
}

// Unwrap returns the extraction failure.
func (e *ExtractionError) Unwrap() error { return e.Err }
