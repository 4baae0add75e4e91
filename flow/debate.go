package flow

import (
	"context"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// debateState runs a structured multi-agent debate: each round, every
// participant agent responds to the topic with the running transcript
// in hand. An optional judge agent renders a verdict over the full
// transcript. The result is {topic, transcript, verdict?}.
type debateState struct {
	spec *StateSpec
	rt   *runtime
}

func (s *debateState) Name() string { return s.spec.Name }

func (s *debateState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	topic, err := s.topic(doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	return runWithRetry(ctx, s.spec, ec, input, func(ctx context.Context) stepResult {
		result, err := s.debate(ctx, topic, ec)
		if err != nil {
			return failStep(Classify(err), input)
		}
		shaped, err := shapeResult(s.spec, doc, result, ec, entered)
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

func (s *debateState) topic(doc any, ec *ExecutionContext, entered time.Time) (any, error) {
	if s.spec.TopicPath == "" {
		return jsonval.DeepCopy(doc), nil
	}
	v, ok, err := pathRead(s.spec.TopicPath, doc, ec.contextObject(s.spec.Name, entered))
	if err != nil {
		return nil, NewError(ErrorCodeParameterPathFailure, err.Error())
	}
	if !ok {
		return nil, NewError(ErrorCodeParameterPathFailure, "TopicPath "+s.spec.TopicPath+" resolved to nothing")
	}
	return jsonval.DeepCopy(v), nil
}

func (s *debateState) debate(ctx context.Context, topic any, ec *ExecutionContext) (*jsonval.Object, error) {
	rounds := s.spec.Rounds
	if rounds < 1 {
		rounds = 1
	}

	transcript := make([]any, 0, rounds*len(s.spec.Participants))
	for round := 1; round <= rounds; round++ {
		for _, participant := range s.spec.Participants {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			turnInput := jsonval.FromPairs(
				"topic", jsonval.DeepCopy(topic),
				"round", int64(round),
				"participant", participant,
				"transcript", jsonval.DeepCopy(transcript),
			)
			response, err := invokeAgent(ctx, s.spec, participant, s.rt.registry, turnInput, ec)
			if err != nil {
				return nil, err
			}
			response = recordAccounting(response, ec, s.rt.metrics)
			transcript = append(transcript, jsonval.FromPairs(
				"round", int64(round),
				"participant", participant,
				"response", response,
			))
		}
	}

	result := jsonval.FromPairs(
		"topic", topic,
		"transcript", transcript,
	)
	if s.spec.Judge != "" {
		judgeInput := jsonval.FromPairs(
			"topic", jsonval.DeepCopy(topic),
			"transcript", jsonval.DeepCopy(transcript),
		)
		verdict, err := invokeAgent(ctx, s.spec, s.spec.Judge, s.rt.registry, judgeInput, ec)
		if err != nil {
			return nil, err
		}
		verdict = recordAccounting(verdict, ec, s.rt.metrics)
		result.Set("verdict", verdict)
	}
	return result, nil
}
