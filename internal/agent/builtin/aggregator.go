package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/bus"
)

// Aggregator RPC operation and error code.
const (
	OpSetState     = "setState"
	CodeBadState   = "bad-state"
	StateRecording = "record"
	StateIdle      = "idle"
)

const aggregatorParamsSchema = `{
	"type": "object",
	"properties": {
		"initial-state": {"type": "string", "enum": ["record", "idle"]},
		"feed":          {"type": "string"}
	},
	"additionalProperties": true
}`

func aggregatorClassDef() agent.ClassDef {
	return agent.ClassDef{
		New:          newAggregator,
		ParamsSchema: aggregatorParamsSchema,
	}
}

// SetStateRequest switches an aggregator between recording and idle.
type SetStateRequest struct {
	State string `json:"state"`
}

// aggregator subscribes to telemetry feeds and counts recorded frames while
// in the record state.  It models the original's data collector closely
// enough to exercise feed fan-out and per-agent control RPCs.
type aggregator struct {
	env  agent.Env
	feed string

	mu       sync.Mutex
	state    string
	recorded uint64
	bySource map[string]uint64
}

func newAggregator(env agent.Env, params agent.Params) (agent.Agent, error) {
	a := &aggregator{
		env:      env,
		state:    StateRecording,
		feed:     addressing.FeedSubject(env.Root, ">"),
		bySource: make(map[string]uint64),
	}
	if v, ok := params["initial-state"].(string); ok {
		a.state = v
	}
	if v, ok := params["feed"].(string); ok {
		a.feed = v
	}
	return a, nil
}

func (a *aggregator) Run(ctx context.Context) error {
	feedSub, err := a.env.Bus.Subscribe(a.feed, a.onFrame)
	if err != nil {
		return fmt.Errorf("aggregator: subscribe %s: %w", a.feed, err)
	}
	defer feedSub.Unsubscribe()

	ctlSub, err := a.env.Bus.Handle(a.env.Address.Subject(OpSetState), a.handleSetState)
	if err != nil {
		return fmt.Errorf("aggregator: bind setState: %w", err)
	}
	defer ctlSub.Unsubscribe()

	slog.Info("aggregator: collecting",
		"instance", a.env.InstanceID, "feed", a.feed, "state", a.state)
	<-ctx.Done()
	return ctx.Err()
}

func (a *aggregator) onFrame(subject string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRecording {
		return
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("aggregator: dropping malformed frame", "subject", subject, "err", err)
		return
	}
	a.recorded++
	a.bySource[frame.Instance]++
}

func (a *aggregator) handleSetState(ctx context.Context, data []byte) (any, error) {
	var req SetStateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &bus.Error{Code: CodeBadState, Message: "malformed setState request"}
	}
	if req.State != StateRecording && req.State != StateIdle {
		return nil, &bus.Error{
			Code:    CodeBadState,
			Message: fmt.Sprintf("state must be %q or %q, got %q", StateRecording, StateIdle, req.State),
		}
	}
	a.mu.Lock()
	a.state = req.State
	a.mu.Unlock()
	slog.Info("aggregator: state changed", "instance", a.env.InstanceID, "state", req.State)
	return a.Status(), nil
}

func (a *aggregator) Status() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	sources := make(map[string]uint64, len(a.bySource))
	for k, v := range a.bySource {
		sources[k] = v
	}
	return map[string]any{
		"state":    a.state,
		"recorded": a.recorded,
		"sources":  sources,
	}
}
