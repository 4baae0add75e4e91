package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// mapState iterates a sub-definition over the array at ItemsPath with
// bounded concurrency. Results land at the index of their source item
// regardless of completion order; failures beyond the tolerated
// threshold fail the whole state with States.MapFailed and cancel the
// remaining iterations.
type mapState struct {
	spec *StateSpec
	iter *program
	rt   *runtime
}

func (s *mapState) Name() string { return s.spec.Name }

func (s *mapState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	items, err := s.items(doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	return runWithRetry(ctx, s.spec, ec, input, func(ctx context.Context) stepResult {
		results, subs, failures, runErr := s.runIterations(ctx, doc, items, ec, entered)
		for _, sub := range subs {
			ec.absorb(sub)
		}
		if runErr != nil {
			return failStep(Classify(runErr), input)
		}
		if s.exceeded(failures, len(items)) {
			e := NewError(ErrorCodeMapFailed,
				fmt.Sprintf("%d of %d iterations failed", failures, len(items)))
			e.Payload = results
			return failStep(e, input)
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

func (s *mapState) items(doc any, ec *ExecutionContext, entered time.Time) ([]any, error) {
	v, ok, err := pathRead(s.spec.ItemsPath, doc, ec.contextObject(s.spec.Name, entered))
	if err != nil {
		return nil, NewError(ErrorCodeParameterPathFailure, err.Error())
	}
	if !ok {
		return nil, NewError(ErrorCodeParameterPathFailure, "ItemsPath "+s.spec.ItemsPath+" resolved to nothing")
	}
	arr, isArr := v.([]any)
	if !isArr {
		return nil, NewError(ErrorCodeParameterPathFailure, "ItemsPath "+s.spec.ItemsPath+" is not an array")
	}
	return arr, nil
}

// runIterations schedules the iterations in index order and collects
// results by index. The returned error is non-nil only for cancellation
// of the whole Map; per-iteration failures are counted instead.
func (s *mapState) runIterations(ctx context.Context, doc any, items []any, ec *ExecutionContext, entered time.Time) ([]any, []*ExecutionContext, int, error) {
	results := make([]any, len(items))
	subs := make([]*ExecutionContext, len(items))

	var mu sync.Mutex
	failures := 0
	exceeded := false

	g, gctx := errgroup.WithContext(ctx)
	if s.spec.MaxConcurrency > 0 {
		g.SetLimit(s.spec.MaxConcurrency)
	}
	for i, item := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			iterInput, err := s.iterationInput(doc, item, i, ec, entered)
			sub := ec.child(fmt.Sprintf("/map[%d]", i), iterInput, &MapItemInfo{Value: item, Index: i})
			subs[i] = sub
			if err != nil {
				results[i] = errorInfo(Classify(err))
				return s.recordFailure(&mu, &failures, &exceeded, len(items))
			}
			out := s.iter.runIsolated(gctx, sub)
			if out.err != nil {
				results[i] = errorInfo(out.err)
				return s.recordFailure(&mu, &failures, &exceeded, len(items))
			}
			results[i] = out.output
			return nil
		})
	}
	err := g.Wait()
	if err != nil && !exceeded {
		return results, compactSubs(subs), failures, err
	}
	return results, compactSubs(subs), failures, nil
}

// recordFailure counts one failed iteration and, once the tolerated
// threshold is crossed, returns an error to cancel the group.
func (s *mapState) recordFailure(mu *sync.Mutex, failures *int, exceeded *bool, total int) error {
	mu.Lock()
	defer mu.Unlock()
	*failures++
	if s.exceeded(*failures, total) {
		*exceeded = true
		return NewError(ErrorCodeMapFailed, "tolerated failure threshold exceeded")
	}
	return nil
}

func (s *mapState) iterationInput(doc, item any, index int, ec *ExecutionContext, entered time.Time) (any, error) {
	if s.spec.ItemSelector == nil {
		return wrapScalar(jsonval.DeepCopy(item)), nil
	}
	iterEC := ec.child("", doc, &MapItemInfo{Value: item, Index: index})
	return resolveParameters(s.spec.ItemSelector, doc, iterEC.contextObject(s.spec.Name, entered), ec.Env)
}

// exceeded reports whether n failures out of total crosses the tolerated
// threshold. With no tolerance configured, any failure does.
func (s *mapState) exceeded(n, total int) bool {
	if n == 0 {
		return false
	}
	count := s.spec.ToleratedFailureCount
	pct := s.spec.ToleratedFailurePercentage
	if count < 0 && pct < 0 {
		return true
	}
	if count >= 0 && n > count {
		return true
	}
	if pct >= 0 && total > 0 && float64(n)*100 > pct*float64(total) {
		return true
	}
	return false
}

func errorInfo(err *Error) *jsonval.Object {
	return jsonval.FromPairs("Error", err.Code, "Cause", err.Cause)
}

func compactSubs(subs []*ExecutionContext) []*ExecutionContext {
	out := make([]*ExecutionContext, 0, len(subs))
	for _, sub := range subs {
		if sub != nil {
			out = append(out, sub)
		}
	}
	return out
}
