package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscope/siteops/common/trace"
)

// DefaultCallTimeout bounds RPC calls whose context carries no deadline.
const DefaultCallTimeout = 5 * time.Second

// Conn is the NATS-backed Bus.
type Conn struct {
	nc          *nats.Conn
	callTimeout time.Duration
}

// Option configures a Conn.
type Option func(*Conn)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) { c.callTimeout = d }
}

// Connect dials the bus at url.  The connection retries forever in the
// background; transport failures surface per call, never as a crash.
func Connect(url, name string, opts ...Option) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("bus: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	c := &Conn{nc: nc, callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call implements Bus.
func (c *Conn) Call(ctx context.Context, subject string, req, resp any) error {
	if c.nc.IsClosed() {
		return ErrClosed
	}
	ctx, _ = trace.Ensure(ctx)
	data, err := encodeCall(ctx, req)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %s", ErrNoResponder, subject)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %s", ErrTimeout, subject)
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrClosed
	default:
		return fmt.Errorf("bus: call %s: %w", subject, err)
	}
	return decodeReply(msg.Data, resp)
}

// Handle implements Bus.
func (c *Conn) Handle(subject string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		reply := serve(context.Background(), h, m.Data)
		if err := m.Respond(reply); err != nil {
			slog.Warn("bus: reply failed", "subject", subject, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: handle %s: %w", subject, err)
	}
	return sub, nil
}

// Publish implements Bus.
func (c *Conn) Publish(subject string, msg any) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements Bus.
func (c *Conn) Subscribe(subject string, fn func(subject string, data []byte)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains pending messages and closes the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.nc.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
