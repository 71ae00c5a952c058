// Package bus abstracts the message transport shared by every siteops
// process: request/reply RPC addressed by canonical subjects, plus fire and
// forget pub/sub fan-out.  The production implementation rides on NATS; the
// in-process implementation backs tests.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openscope/siteops/common/trace"
)

var (
	// ErrTimeout reports a call that did not complete within its deadline.
	// Callers treat it as recoverable and retry with backoff.
	ErrTimeout = errors.New("bus: call timed out")

	// ErrNoResponder reports a call subject nobody is serving yet.
	ErrNoResponder = errors.New("bus: no responder for subject")

	// ErrClosed reports use of a closed connection.
	ErrClosed = errors.New("bus: connection closed")
)

// Handler serves one RPC subject.  The returned value is JSON-encoded as the
// reply body; a returned *Error travels to the caller with its code intact,
// any other error is wrapped as a plain remote error.
type Handler func(ctx context.Context, data []byte) (any, error)

// Subscription is a live RPC or pub/sub registration.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract.  Call and Handle form the RPC surface,
// Publish and Subscribe the pub/sub surface.
type Bus interface {
	// Call issues an RPC to subject, encoding req and decoding the reply
	// into resp (ignored when resp is nil).  The deadline comes from ctx,
	// falling back to the connection default.
	Call(ctx context.Context, subject string, req, resp any) error

	// Handle registers h as the RPC server for subject.
	Handle(subject string, h Handler) (Subscription, error)

	// Publish sends msg to subject without waiting for consumers.
	Publish(subject string, msg any) error

	// Subscribe delivers every message on subject (wildcards allowed) to fn.
	Subscribe(subject string, fn func(subject string, data []byte)) (Subscription, error)

	Close() error
}

// Error is an RPC failure that crosses the wire with a stable code, so
// callers can branch without string matching.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// CodeOf returns the wire code carried by err, or "" when err is not a bus
// error.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// callEnvelope frames an RPC request: the caller's trace ID plus the
// JSON-encoded request body.
type callEnvelope struct {
	TraceID string          `json:"traceId,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// replyEnvelope frames an RPC reply.  Exactly one of Body / Error is set.
type replyEnvelope struct {
	Body  json.RawMessage `json:"body,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

func encodeCall(ctx context.Context, req any) ([]byte, error) {
	var body json.RawMessage
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("bus: encode request: %w", err)
		}
		body = b
	}
	return json.Marshal(callEnvelope{TraceID: trace.FromContext(ctx), Body: body})
}

func decodeReply(data []byte, resp any) error {
	var env replyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bus: decode reply: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if resp == nil || env.Body == nil {
		return nil
	}
	if err := json.Unmarshal(env.Body, resp); err != nil {
		return fmt.Errorf("bus: decode reply body: %w", err)
	}
	return nil
}

// serve runs h for one framed request and produces the framed reply.  The
// trace ID from the envelope is restored into the handler's context.
func serve(ctx context.Context, h Handler, data []byte) []byte {
	var env callEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return mustMarshalReply(replyEnvelope{Error: &Error{Message: "malformed request envelope"}})
	}
	if env.TraceID != "" {
		ctx = trace.WithTraceID(ctx, env.TraceID)
	}

	out, err := h(ctx, env.Body)
	if err != nil {
		var be *Error
		if !errors.As(err, &be) {
			be = &Error{Message: err.Error()}
		}
		return mustMarshalReply(replyEnvelope{Error: be})
	}

	var body json.RawMessage
	if out != nil {
		b, merr := json.Marshal(out)
		if merr != nil {
			return mustMarshalReply(replyEnvelope{Error: &Error{Message: "reply encoding failed"}})
		}
		body = b
	}
	return mustMarshalReply(replyEnvelope{Body: body})
}

// marshalMessage encodes a pub/sub payload.  []byte payloads pass through
// unchanged so republishing received frames stays cheap.
func marshalMessage(msg any) ([]byte, error) {
	if b, ok := msg.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: encode message: %w", err)
	}
	return b, nil
}

func mustMarshalReply(env replyEnvelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		// replyEnvelope marshalling cannot fail for the shapes above.
		return []byte(`{"error":{"message":"internal encoding failure"}}`)
	}
	return b
}
