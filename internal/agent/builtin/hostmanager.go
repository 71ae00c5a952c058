package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/supervisor"
)

// Host manager RPC operations, bound under the instance's address.
const (
	OpStatus    = "status"
	OpSetTarget = "setTarget"
)

// Target states accepted by setTarget.
const (
	TargetUp   = "up"
	TargetDown = "down"
)

// Error codes the host manager answers with.
const (
	CodeControllerUnavailable = "controller-unavailable"
	CodeBadTarget             = "bad-target"
)

// StatusResponse is the status RPC answer.
type StatusResponse struct {
	Host      string                      `json:"host"`
	Instances []supervisor.InstanceStatus `json:"instances"`
}

// SetTargetRequest asks the host to drive one instance toward a target
// state: up relaunches a stopped or failed instance, down stops a running
// one outside the restart policy.
type SetTargetRequest struct {
	InstanceID string `json:"instanceId"`
	Target     string `json:"target"`
}

func hostManagerClassDef(ctrl *ControllerRef) agent.ClassDef {
	return agent.ClassDef{
		New: func(env agent.Env, params agent.Params) (agent.Agent, error) {
			return &hostManager{env: env, ctrl: ctrl}, nil
		},
	}
}

// hostManager exposes its host's instance table over the bus.
type hostManager struct {
	env  agent.Env
	ctrl *ControllerRef
}

func (m *hostManager) Run(ctx context.Context) error {
	statusSub, err := m.env.Bus.Handle(m.env.Address.Subject(OpStatus), m.handleStatus)
	if err != nil {
		return fmt.Errorf("host manager: bind status: %w", err)
	}
	defer statusSub.Unsubscribe()

	targetSub, err := m.env.Bus.Handle(m.env.Address.Subject(OpSetTarget), m.handleSetTarget)
	if err != nil {
		return fmt.Errorf("host manager: bind setTarget: %w", err)
	}
	defer targetSub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

func (m *hostManager) handleStatus(ctx context.Context, data []byte) (any, error) {
	ctrl := m.ctrl.Get()
	if ctrl == nil {
		return nil, &bus.Error{Code: CodeControllerUnavailable, Message: "host controller not attached"}
	}
	return StatusResponse{Host: m.env.HostID, Instances: ctrl.Instances()}, nil
}

func (m *hostManager) handleSetTarget(ctx context.Context, data []byte) (any, error) {
	ctrl := m.ctrl.Get()
	if ctrl == nil {
		return nil, &bus.Error{Code: CodeControllerUnavailable, Message: "host controller not attached"}
	}
	var req SetTargetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &bus.Error{Code: CodeBadTarget, Message: "malformed setTarget request"}
	}
	switch req.Target {
	case TargetUp:
		if err := ctrl.StartInstance(ctx, req.InstanceID); err != nil {
			return nil, &bus.Error{Code: CodeBadTarget, Message: err.Error()}
		}
	case TargetDown:
		if err := ctrl.StopInstance(ctx, req.InstanceID); err != nil {
			return nil, &bus.Error{Code: CodeBadTarget, Message: err.Error()}
		}
	default:
		return nil, &bus.Error{
			Code:    CodeBadTarget,
			Message: fmt.Sprintf("target must be %q or %q, got %q", TargetUp, TargetDown, req.Target),
		}
	}
	return StatusResponse{Host: m.env.HostID, Instances: ctrl.Instances()}, nil
}

// Status feeds the heartbeat detail payload.
func (m *hostManager) Status() map[string]any {
	ctrl := m.ctrl.Get()
	if ctrl == nil {
		return map[string]any{"controller": "detached"}
	}
	counts := make(map[string]int)
	for _, in := range ctrl.Instances() {
		counts[string(in.State)]++
	}
	return map[string]any{"instances": counts}
}
