package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/internal/agent"
)

const fakeDataParamsSchema = `{
	"type": "object",
	"properties": {
		"rate":     {"type": "number", "exclusiveMinimum": 0},
		"channels": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": true
}`

func fakeDataClassDef() agent.ClassDef {
	return agent.ClassDef{
		New:          newFakeData,
		ParamsSchema: fakeDataParamsSchema,
	}
}

// Frame is one synthetic telemetry sample batch.
type Frame struct {
	Instance  string    `json:"instance"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Channels  []float64 `json:"channels"`
}

// fakeData publishes synthetic sine-wave frames on the instance's feed
// subject at a configurable rate.  It stands in for real acquisition
// hardware when exercising a hub.
type fakeData struct {
	env      agent.Env
	rate     float64
	channels int
	frames   atomic.Uint64
}

func newFakeData(env agent.Env, params agent.Params) (agent.Agent, error) {
	f := &fakeData{env: env, rate: 1, channels: 1}
	if v, ok := params["rate"].(float64); ok {
		f.rate = v
	}
	if v, ok := params["channels"].(float64); ok {
		f.channels = int(v)
	}
	return f, nil
}

func (f *fakeData) Run(ctx context.Context) error {
	subject := addressing.FeedSubject(f.env.Root, f.env.InstanceID)
	interval := time.Duration(float64(time.Second) / f.rate)
	if interval <= 0 {
		return fmt.Errorf("fake data: rate %v yields no usable interval", f.rate)
	}
	slog.Info("fake data: producing frames",
		"instance", f.env.InstanceID, "subject", subject, "rate", f.rate)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			seq++
			frame := Frame{
				Instance:  f.env.InstanceID,
				Seq:       seq,
				Timestamp: now,
				Channels:  make([]float64, f.channels),
			}
			t := now.Sub(start).Seconds()
			for i := range frame.Channels {
				frame.Channels[i] = math.Sin(2 * math.Pi * t / float64(i+1))
			}
			if err := f.env.Bus.Publish(subject, frame); err != nil {
				slog.Warn("fake data: publish failed",
					"instance", f.env.InstanceID, "err", err)
				continue
			}
			f.frames.Add(1)
		}
	}
}

func (f *fakeData) Status() map[string]any {
	return map[string]any{
		"rate":     f.rate,
		"channels": f.channels,
		"frames":   f.frames.Load(),
	}
}
