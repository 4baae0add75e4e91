package flow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// parallelState runs each branch as an independent sub-execution seeded
// with the same input. Results land in definition order; the first
// uncaught branch failure cancels the siblings and fails the state with
// States.ParallelFailed.
type parallelState struct {
	spec     *StateSpec
	branches []*program
	rt       *runtime
}

func (s *parallelState) Name() string { return s.spec.Name }

func (s *parallelState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	return runWithRetry(ctx, s.spec, ec, input, func(ctx context.Context) stepResult {
		results := make([]any, len(s.branches))
		subs := make([]*ExecutionContext, len(s.branches))

		g, gctx := errgroup.WithContext(ctx)
		for i, branch := range s.branches {
			g.Go(func() error {
				sub := ec.child(fmt.Sprintf("/branch[%d]", i), jsonval.DeepCopy(doc), nil)
				subs[i] = sub
				out := branch.runIsolated(gctx, sub)
				if out.err != nil {
					return out.err
				}
				results[i] = out.output
				return nil
			})
		}
		err := g.Wait()
		for _, sub := range subs {
			if sub != nil {
				ec.absorb(sub)
			}
		}
		if err != nil {
			branchErr := Classify(err)
			if branchErr.Code == ErrorCodeCancelled {
				return failStep(branchErr, input)
			}
			return failStep(NewError(ErrorCodeParallelFailed,
				"branch failed: "+branchErr.Code+": "+branchErr.Cause), input)
		}

		shaped, err := shapeResult(s.spec, doc, results, ec, entered)
		if err != nil {
			return failStep(Classify(err), input)
		}
		out, err := applyOutputPath(s.spec, shaped, ec, entered)
		if err != nil {
			return failStep(Classify(err), input)
		}
		return transition(s.spec, out)
	})
}
