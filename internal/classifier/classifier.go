// Package classifier runs batches through the malware model and decodes the
// per-row class scores into verdicts.
package classifier

import (
	"errors"
	"fmt"

	"github.com/straja-ai/apkguard/internal/batch"
)

var (
	// ErrInference wraps any failure of the model runtime.
	ErrInference = errors.New("inference failed")
	// ErrShapeMismatch reports output that does not match (rows, NumClasses).
	ErrShapeMismatch = errors.New("inference output shape mismatch")
)

// Runtime evaluates a batch and returns one score vector per row.
type Runtime interface {
	Run(b *batch.Batch) ([][]float32, error)
}

// Classifier decodes runtime output into verdicts. It is safe for concurrent
// use when its Runtime is.
type Classifier struct {
	runtime Runtime
}

// New wraps a runtime.
func New(rt Runtime) *Classifier {
	return &Classifier{runtime: rt}
}

// Classify returns one verdict per batch row, in row order. Any runtime error
// or malformed output fails the whole batch.
func (c *Classifier) Classify(b *batch.Batch) ([]Verdict, error) {
	if c == nil || c.runtime == nil {
		return nil, fmt.Errorf("%w: classifier not initialized", ErrInference)
	}
	if b == nil || b.Rows == 0 {
		return nil, nil
	}

	scores, err := c.runtime.Run(b)
	if err != nil {
		if errors.Is(err, ErrShapeMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(scores) != b.Rows {
		return nil, fmt.Errorf("%w: got %d rows for batch of %d", ErrShapeMismatch, len(scores), b.Rows)
	}

	verdicts := make([]Verdict, len(scores))
	for i, row := range scores {
		if len(row) != NumClasses {
			return nil, fmt.Errorf("%w: row %d has %d scores, want %d", ErrShapeMismatch, i, len(row), NumClasses)
		}
		v, err := Decode(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInference, i, err)
		}
		verdicts[i] = v
	}
	return verdicts, nil
}
