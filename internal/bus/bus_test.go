package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openscope/siteops/common/trace"
	"github.com/openscope/siteops/internal/bus"
)

type echoReq struct {
	Value string `json:"value"`
}

type echoResp struct {
	Value string `json:"value"`
	Trace string `json:"trace"`
}

func TestMemory_CallRoundTrip(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	_, err := m.Handle("obs.echo", func(ctx context.Context, data []byte) (any, error) {
		var req echoReq
		if err := decode(t, data, &req); err != nil {
			return nil, err
		}
		return echoResp{Value: req.Value, Trace: trace.FromContext(ctx)}, nil
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	ctx := trace.WithTraceID(context.Background(), "t_abc")
	var resp echoResp
	if err := m.Call(ctx, "obs.echo", echoReq{Value: "ping"}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Value != "ping" {
		t.Errorf("value = %q", resp.Value)
	}
	if resp.Trace != "t_abc" {
		t.Errorf("trace id not propagated, got %q", resp.Trace)
	}
}

func TestMemory_HandlerErrorCrossesWire(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	m.Handle("obs.fail", func(ctx context.Context, data []byte) (any, error) {
		return nil, &bus.Error{Code: "not-found", Message: "no such entry"}
	})

	err := m.Call(context.Background(), "obs.fail", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if bus.CodeOf(err) != "not-found" {
		t.Fatalf("expected code not-found, got %v", err)
	}
}

func TestMemory_NoResponder(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	err := m.Call(context.Background(), "obs.nobody", nil, nil)
	if !errors.Is(err, bus.ErrNoResponder) {
		t.Fatalf("expected ErrNoResponder, got %v", err)
	}
}

func TestMemory_DuplicateHandlerRejected(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	h := func(ctx context.Context, data []byte) (any, error) { return nil, nil }
	if _, err := m.Handle("obs.reg", h); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if _, err := m.Handle("obs.reg", h); err == nil {
		t.Fatal("expected duplicate handler rejection")
	}
}

func TestMemory_HandlerUnsubscribeFreesSubject(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	h := func(ctx context.Context, data []byte) (any, error) { return nil, nil }
	sub, err := m.Handle("obs.reg", h)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	sub.Unsubscribe()
	if _, err := m.Handle("obs.reg", h); err != nil {
		t.Fatalf("re-handle after unsubscribe: %v", err)
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	m := bus.NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := m.Subscribe("obs.feeds.*", func(subject string, data []byte) {
		mu.Lock()
		got = append(got, subject+":"+string(data))
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.Publish("obs.feeds.data1", []byte(`1`))
	m.Publish("obs.feeds.data2", []byte(`2`))
	m.Publish("obs.directory", []byte(`ignored`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
}

func TestMemory_ClosedBusRefusesCalls(t *testing.T) {
	m := bus.NewMemory()
	m.Close()
	if err := m.Publish("obs.x", []byte(`1`)); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Call(context.Background(), "obs.x", nil, nil); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func decode(t *testing.T, data []byte, v any) error {
	t.Helper()
	return json.Unmarshal(data, v)
}
