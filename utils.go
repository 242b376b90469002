package txfanout

import (
	"context"
	"fmt"
	"runtime/debug"
)

// safeAction runs action, converting a panic into an error.
func safeAction(ctx context.Context, action func(ctx context.Context) error, desc string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered during %s: %v", desc, r)
		}
	}()
	return action(ctx)
}

func (c *Coordinator) newError(kind Kind, runID string, p *Participant, index int, op string, err error) *Error {
	fe := &Error{Kind: kind, RunID: runID, Index: index, Op: op, Err: err}
	if p != nil {
		fe.Participant = p.ID
		fe.Index = p.Index
	}
	if c.captureStackTrace {
		fe.StackTrace = string(debug.Stack())
	}
	return fe
}

func outcomeLabel(committed, partial bool, errs []error) string {
	switch {
	case partial:
		return "partial"
	case committed:
		return "committed"
	case len(errs) > 0:
		return "resolution_failed"
	default:
		return "rolled_back"
	}
}
