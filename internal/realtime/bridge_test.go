package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

type fakeConn struct {
	frames chan []byte
	drop   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), drop: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.drop:
		return nil, err
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu     sync.Mutex
	conns  []*fakeConn
	tokens []string
	errs   []error
}

func (t *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(t.conns) == 0 {
		return nil, errors.New("no server")
	}
	c := t.conns[0]
	t.conns = t.conns[1:]
	return c, nil
}

func (t *fakeTransport) dialed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

func collect() (Handler, <-chan events.Event) {
	ch := make(chan events.Event, 16)
	return HandlerFunc(func(e events.Event) { ch <- e }), ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func encode(t *testing.T, e events.Event) []byte {
	t.Helper()
	raw, err := events.Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestBridgeDeliversDecodedEventsAndSkipsBadFrames(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	h, ch := collect()
	b := NewBridge(tr, h)
	if err := b.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	now := time.Now()
	conn.frames <- encode(t, events.MessageCreated(model.Message{ID: 1, TicketID: 2, CreatedAt: now}, 0, now))
	conn.frames <- []byte("not json")
	conn.frames <- []byte(`{"meta":{"type":"contact.typing"},"data":{}}`)
	conn.frames <- encode(t, events.TicketUpdated(model.Ticket{ID: 2, Status: model.TicketStatusPending}, now))

	if e := next(t, ch); e.Message == nil || e.Message.ID != 1 {
		t.Fatalf("first event = %+v", e)
	}
	if e := next(t, ch); e.Ticket == nil || e.Ticket.ID != 2 {
		t.Fatalf("second event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBridgeSkipsInvalidPushes(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	h, ch := collect()
	b := NewBridge(tr, h)
	if err := b.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	now := time.Now()
	conn.frames <- encode(t, events.TicketUpdated(model.Ticket{ID: 3, Status: "archived"}, now))
	conn.frames <- encode(t, events.MessageCreated(model.Message{ID: 4, TicketID: 3}, 0, now))
	conn.frames <- encode(t, events.MessageUpdated(events.AckUpdate{MessageID: 4, Ack: -1}, 0, now))
	conn.frames <- encode(t, events.TicketUpdated(model.Ticket{ID: 3, Status: model.TicketStatusOpen, UnreadMessages: -2}, now))
	conn.frames <- encode(t, events.TicketUpdated(model.Ticket{ID: 5, Status: model.TicketStatusClosed}, now))

	if e := next(t, ch); e.Ticket == nil || e.Ticket.ID != 5 {
		t.Fatalf("first delivered event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBridgeRedialsAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{first, second}, errs: []error{nil, errors.New("refused")}}
	h, ch := collect()
	b := NewBridge(tr, h, WithBackoff(time.Millisecond, 4*time.Millisecond))
	if err := b.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	first.drop <- errors.New("EOF")
	second.frames <- encode(t, events.MessageUpdated(events.AckUpdate{MessageID: 9, Ack: 2}, 0, time.Now()))
	if e := next(t, ch); e.Ack == nil || e.Ack.MessageID != 9 {
		t.Fatalf("event after reconnect = %+v", e)
	}
	if !first.isClosed() {
		t.Fatal("dropped connection not closed")
	}
	if got := tr.dialed(); len(got) != 3 {
		t.Fatalf("dials = %v, want initial + failed + successful", got)
	}
}

func TestBridgeConnectFailure(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("401")}}
	b := NewBridge(tr, HandlerFunc(func(events.Event) {}))
	if err := b.Connect(context.Background(), "bad"); err == nil {
		t.Fatal("expected error")
	}
	if b.Connected() {
		t.Fatal("connected after failed dial")
	}
}

func TestBridgeReconnectReplacesConnection(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{first, second}}
	b := NewBridge(tr, HandlerFunc(func(events.Event) {}))
	ctx := context.Background()
	if err := b.Connect(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if !first.isClosed() || second.isClosed() {
		t.Fatal("re-login must close the old connection only")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !second.isClosed() || b.Connected() {
		t.Fatal("Close left the bridge open")
	}
	if err := b.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
	if got := tr.dialed(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("tokens = %v", got)
	}
}

func TestWebsocketTransportAuthAndFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	payload := encode(t, events.MessageCreated(model.Message{ID: 5, TicketID: 1, Body: "hello", CreatedAt: time.Now()}, 7, time.Now()))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	h, ch := collect()
	b := NewBridge(NewWebsocketTransport(url), h)
	if err := b.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	e := next(t, ch)
	if e.Message == nil || e.Message.Body != "hello" || e.Meta.TenantID != 7 {
		t.Fatalf("event = %+v", e)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	bad := NewBridge(NewWebsocketTransport(url), h)
	err := bad.Connect(context.Background(), "wrong")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Fatalf("token leaked into error: %v", err)
	}
}
