package completion

import (
	"context"
	"errors"
)

var ErrCannotHandle = errors.New("can't handle workload")

// Verdict is what an engine's capability check returns: Accept, Unit (an
// unconditional yes), Checked (a verdict or an error) or DeferredVerdict.
type Verdict interface {
	verdict()
}

// Accept is a plain yes/no answer.
type Accept bool

// Checked wraps a verdict that may have failed to compute.
type Checked struct {
	Verdict Verdict
	Err     error
}

type DeferredVerdict func(ctx context.Context) Verdict

func (Accept) verdict()          {}
func (Unit) verdict()            {}
func (Checked) verdict()         {}
func (DeferredVerdict) verdict() {}

// Check reduces a verdict to nil (the engine can handle the workload) or an
// error explaining why not. A nil verdict is a yes.
func Check(ctx context.Context, v Verdict) error {
	for {
		switch verdict := v.(type) {
		case nil, Unit:
			return nil
		case Accept:
			if !verdict {
				return ErrCannotHandle
			}
			return nil
		case Checked:
			if verdict.Err != nil {
				return verdict.Err
			}
			v = verdict.Verdict
		case DeferredVerdict:
			if verdict == nil {
				return nil
			}
			v = verdict(ctx)
		default:
			return ErrCannotHandle
		}
	}
}
