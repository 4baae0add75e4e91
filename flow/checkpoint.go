package flow

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/store"
)

// snapshotEnvelope is the serialized form of an execution snapshot. The
// store treats it as opaque bytes.
type snapshotEnvelope struct {
	ExecutionID string          `json:"executionId"`
	NextState   string          `json:"nextState"`
	Document    json.RawMessage `json:"document"`
	Input       json.RawMessage `json:"input"`
	StartTime   time.Time       `json:"startTime"`
	Trace       []TraceEntry    `json:"trace"`
	Totals      Totals          `json:"totals"`
}

// checkpointState writes a durable snapshot of the execution and passes
// the document through unchanged. With SuspendAfter the runner also
// yields to the host so the process may exit and resume later.
type checkpointState struct {
	spec *StateSpec
	rt   *runtime
}

func (s *checkpointState) Name() string { return s.spec.Name }

func (s *checkpointState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	if s.rt.store == nil {
		return failStep(NewError(ErrorCodeTaskFailed, "checkpoint state "+s.spec.Name+" requires a store"), input)
	}
	entered := ec.Env.Now()

	id, err := s.checkpointID(input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	snapDoc := input
	if s.spec.DataPath != "" {
		v, ok, err := pathRead(s.spec.DataPath, input, ec.contextObject(s.spec.Name, entered))
		if err != nil {
			return failStep(NewError(ErrorCodeParameterPathFailure, err.Error()), input)
		}
		if !ok {
			return failStep(NewError(ErrorCodeParameterPathFailure, "DataPath "+s.spec.DataPath+" resolved to nothing"), input)
		}
		snapDoc = v
	}

	snap, err := buildSnapshot(id, s.spec.Next, snapDoc, ec, s.spec.Compress)
	if err != nil {
		return failStep(Classify(err), input)
	}
	if ttl, err := parseTTL(s.spec.TTL); err != nil {
		return failStep(Classify(err), input)
	} else if ttl > 0 {
		snap.ExpiresAt = ec.Env.Now().Add(ttl)
	}
	if err := s.rt.store.Put(ctx, snap); err != nil {
		return failStep(WrapError(ErrorCodeTaskFailed, err), input)
	}
	s.rt.emit(ec.ExecutionID, s.spec.Name, "checkpoint", "", map[string]any{"checkpoint": id})
	if s.rt.metrics != nil {
		s.rt.metrics.CheckpointWritten(len(snap.Data))
	}

	if s.spec.SuspendAfter {
		res := suspendStep(&Suspension{
			Reason:  SuspendCheckpoint,
			Token:   "resume-" + ec.Env.NewUUID(),
			Payload: id,
		}, input)
		res.nextState = s.spec.Next
		return res
	}
	return transition(s.spec, input)
}

func (s *checkpointState) checkpointID(doc any, ec *ExecutionContext, entered time.Time) (string, error) {
	switch {
	case s.spec.CheckpointID != "":
		return s.spec.CheckpointID, nil
	case s.spec.CheckpointIDPath != "":
		v, ok, err := pathRead(s.spec.CheckpointIDPath, doc, ec.contextObject(s.spec.Name, entered))
		if err != nil {
			return "", NewError(ErrorCodeParameterPathFailure, err.Error())
		}
		if !ok {
			return "", NewError(ErrorCodeParameterPathFailure, "CheckpointIdPath "+s.spec.CheckpointIDPath+" resolved to nothing")
		}
		id, isStr := v.(string)
		if !isStr || id == "" {
			return "", NewError(ErrorCodeParameterPathFailure, "CheckpointIdPath "+s.spec.CheckpointIDPath+" is not a non-empty string")
		}
		return id, nil
	}
	return "cp-" + ec.Env.NewUUID(), nil
}

// buildSnapshot serializes the execution for the store. The saved
// NextState is the state to run on resume; checkpoints are never
// re-executed.
func buildSnapshot(id, nextState string, doc any, ec *ExecutionContext, compress bool) (store.Snapshot, error) {
	docBytes, err := jsonval.Encode(doc)
	if err != nil {
		return store.Snapshot{}, WrapError(ErrorCodeTaskFailed, err)
	}
	inputBytes, err := jsonval.Encode(ec.Input)
	if err != nil {
		return store.Snapshot{}, WrapError(ErrorCodeTaskFailed, err)
	}
	payload, err := json.Marshal(snapshotEnvelope{
		ExecutionID: ec.ExecutionID,
		NextState:   nextState,
		Document:    docBytes,
		Input:       inputBytes,
		StartTime:   ec.StartTime,
		Trace:       ec.Trace,
		Totals:      ec.Totals,
	})
	if err != nil {
		return store.Snapshot{}, WrapError(ErrorCodeTaskFailed, err)
	}
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return store.Snapshot{}, WrapError(ErrorCodeTaskFailed, err)
		}
		if err := zw.Close(); err != nil {
			return store.Snapshot{}, WrapError(ErrorCodeTaskFailed, err)
		}
		payload = buf.Bytes()
	}
	return store.Snapshot{
		ID:         id,
		Data:       payload,
		Compressed: compress,
		CreatedAt:  ec.Env.Now(),
	}, nil
}

// restoreSnapshot rebuilds the execution context from stored bytes and
// returns the state to continue at.
func restoreSnapshot(env *Environment, snap store.Snapshot) (*ExecutionContext, string, error) {
	payload := snap.Data
	if snap.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, "", WrapError(ErrorCodeTaskFailed, err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, "", WrapError(ErrorCodeTaskFailed, err)
		}
		if err := zr.Close(); err != nil {
			return nil, "", WrapError(ErrorCodeTaskFailed, err)
		}
	}
	var envl snapshotEnvelope
	if err := json.Unmarshal(payload, &envl); err != nil {
		return nil, "", WrapError(ErrorCodeTaskFailed, err)
	}
	doc, err := jsonval.Decode(envl.Document)
	if err != nil {
		return nil, "", WrapError(ErrorCodeTaskFailed, err)
	}
	input, err := jsonval.Decode(envl.Input)
	if err != nil {
		return nil, "", WrapError(ErrorCodeTaskFailed, err)
	}
	ec := &ExecutionContext{
		ExecutionID: envl.ExecutionID,
		StartTime:   envl.StartTime,
		Input:       input,
		Output:      doc,
		Trace:       envl.Trace,
		Totals:      envl.Totals,
		Status:      StatusRunning,
		Env:         env,
	}
	return ec, envl.NextState, nil
}

// parseTTL understands duration strings with an added day unit: "30m",
// "24h", "7d". Empty and "never" mean no expiry.
func parseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "never" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, NewError(ErrorCodeTaskFailed, "invalid checkpoint TTL "+s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewError(ErrorCodeTaskFailed, "invalid checkpoint TTL "+s)
	}
	return d, nil
}
