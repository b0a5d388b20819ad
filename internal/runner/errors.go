package runner

import (
	"errors"
	"fmt"
)

// ErrBudgetExhausted is returned by Run when consecutive cycle failures use
// up the failure budget.
var ErrBudgetExhausted = errors.New("failure budget exhausted")

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageRead        Stage = "read"
	StageDeserialize Stage = "deserialize"
	StageHandler     Stage = "handler"
	StageSerialize   Stage = "serialize"
	StageWrite       Stage = "write"
)

// StageError is a cycle failure attributed to the stage it came from.
type StageError struct {
	Stage Stage
	Key   string
	// Summary describes the snapshot or result involved, when there is one.
	Summary string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for key %q: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of a *StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
