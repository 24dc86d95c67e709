// Package runner drives machines under a step budget and a context, for
// callers that cannot trust a program to halt.
package runner

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/machine"
)

var log = commonlog.GetLogger("stackvm.runner")

// DefaultCheckEvery is how many steps run between context checks.
const DefaultCheckEvery = 1024

// Options bound a run.
type Options struct {
	MaxSteps   int // 0 means no step limit
	CheckEvery int // steps between ctx.Done checks, DefaultCheckEvery if 0
}

// Result reports how far a run got.
type Result struct {
	Steps  int
	Halted bool
}

// Run steps m until it halts, a step fails, the budget is spent or ctx is
// done. The machine is left where it stopped, so a cancelled run can be
// inspected or resumed.
func Run[I any](ctx context.Context, m machine.Machine[I], opts Options) (Result, error) {
	every := opts.CheckEvery
	if every <= 0 {
		every = DefaultCheckEvery
	}

	var res Result
	for !m.Halted() {
		if opts.MaxSteps > 0 && res.Steps >= opts.MaxSteps {
			log.Debugf("step limit %d reached", opts.MaxSteps)
			return res, fmt.Errorf("%w after %d steps", machine.ErrStepLimit, res.Steps)
		}
		if res.Steps%every == 0 {
			select {
			case <-ctx.Done():
				log.Debugf("run cancelled after %d steps", res.Steps)
				return res, fmt.Errorf("runner: cancelled after %d steps: %w", res.Steps, ctx.Err())
			default:
			}
		}
		if err := machine.Step(m); err != nil {
			return res, err
		}
		res.Steps++
	}
	res.Halted = true
	return res, nil
}
