// Package realtime keeps the single push connection of a logged-in
// session and hands decoded events to the composition layer.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/apiclient"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/rs/zerolog"
)

// Transport opens authenticated connections to the push server.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live connection. ReadMessage blocks until the next frame
// arrives; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// ErrClosed is returned by a connection read after Close.
var ErrClosed = fmt.Errorf("%w: connection closed", errs.ErrNotConnected)

// Handler receives every decoded event, in arrival order, from a
// single goroutine. It must not call Bridge.Close.
type Handler interface {
	HandleEvent(e events.Event)
}

type HandlerFunc func(e events.Event)

func (f HandlerFunc) HandleEvent(e events.Event) { f(e) }

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Bridge owns at most one connection. Connect replaces it, Close tears
// it down. While open, a dropped connection is redialed with
// exponential backoff.
type Bridge struct {
	transport  Transport
	handler    Handler
	logger     zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Bridge)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithBackoff sets the redial delay range.
func WithBackoff(min, max time.Duration) Option {
	return func(b *Bridge) {
		if min > 0 {
			b.minBackoff = min
		}
		if max >= b.minBackoff {
			b.maxBackoff = max
		}
	}
}

func NewBridge(t Transport, h Handler, opts ...Option) *Bridge {
	b := &Bridge{
		transport:  t,
		handler:    h,
		logger:     zerolog.Nop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connect dials with token and starts delivering events. An existing
// connection is closed first, so calling it again re-authenticates.
// The first dial is synchronous; its failure is returned.
func (b *Bridge) Connect(ctx context.Context, token string) error {
	_ = b.Close()

	conn, err := b.transport.Dial(ctx, token)
	if err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go b.run(runCtx, token, conn, done)
	b.logger.Info().Msg("realtime: connected")
	return nil
}

// Connected reports whether the bridge is open. A bridge that is
// redialing counts as open.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Close tears the connection down and waits for the reader to exit.
// Closing a closed bridge is a no-op.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel, conn, done := b.cancel, b.conn, b.done
	b.cancel, b.conn, b.done = nil, nil, nil
	if cancel != nil {
		// under mu, so a concurrent redial cannot install a new conn
		cancel()
	}
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	b.logger.Info().Msg("realtime: closed")
	return err
}

func (b *Bridge) run(ctx context.Context, token string, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		b.readAll(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		next, err := b.redial(ctx, token)
		if err != nil {
			return
		}
		if !b.swapConn(ctx, next) {
			_ = next.Close()
			return
		}
		conn = next
	}
}

func (b *Bridge) readAll(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("realtime: connection lost")
			}
			_ = conn.Close()
			return
		}
		b.deliver(raw)
	}
}

func (b *Bridge) redial(ctx context.Context, token string) (Conn, error) {
	delay := b.minBackoff
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		conn, err := b.transport.Dial(ctx, token)
		if err == nil {
			b.logger.Info().Msg("realtime: reconnected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn().Err(err).Dur("retry_in", delay).Msg("realtime: redial failed")
		delay *= 2
		if delay > b.maxBackoff {
			delay = b.maxBackoff
		}
	}
}

// swapConn installs conn unless the bridge was closed meanwhile.
func (b *Bridge) swapConn(ctx context.Context, conn Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	b.conn = conn
	return true
}

func (b *Bridge) deliver(raw []byte) {
	e, err := events.Decode(raw)
	if err != nil {
		if errors.Is(err, events.ErrUnknownType) {
			b.logger.Debug().Str("type", e.Meta.Type).Msg("realtime: skipped unknown event")
			return
		}
		b.logger.Warn().Err(err).Msg("realtime: skipped malformed event")
		return
	}
	if err := validatePush(e); err != nil {
		b.logger.Warn().Err(err).Str("type", e.Meta.Type).Msg("realtime: skipped invalid event")
		return
	}
	b.handler.HandleEvent(e)
}

// validatePush holds pushed entities to the same checks as REST payloads.
func validatePush(e events.Event) error {
	switch {
	case e.Message != nil:
		return apiclient.ValidateMessage(*e.Message, 0)
	case e.Ticket != nil:
		ve := &errs.ValidationError{Endpoint: e.Meta.Type}
		apiclient.ValidateTicket(ve, "ticket", *e.Ticket)
		return ve.Err()
	case e.Ack != nil:
		ve := &errs.ValidationError{Endpoint: e.Meta.Type}
		if e.Ack.Ack < 0 {
			ve.Add("ack", "negative")
		}
		return ve.Err()
	}
	return nil
}
