package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/capture"
	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/realtime"
	"github.com/rs/zerolog"
)

type fakeAPI struct {
	mu       sync.Mutex
	token    string
	tickets  []model.Ticket
	history  map[int64][]model.Message // newest first
	nextID   int64
	uploads  []string
	markRead []int64
	sendErr  error
	listErr  error
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeAPI) ListMessages(ctx context.Context, ticketID int64, page, limit int) (model.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[ticketID]
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := append([]model.Message(nil), all[start:end]...)
	return model.MessagePage{Messages: out, Count: len(all), HasMore: end < len(all)}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, ticketID int64, out model.OutgoingMessage) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.nextID++
	return model.Message{ID: f.nextID, TicketID: ticketID, Body: out.Body, FromMe: true, MediaURL: out.MediaURL, MediaType: out.MediaType, Ack: 1}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, ticketID int64) error {
	f.mu.Lock()
	f.markRead = append(f.markRead, ticketID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) ListTickets(ctx context.Context, q model.TicketQuery) (model.TicketPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return model.TicketPage{}, f.listErr
	}
	var out []model.Ticket
	for _, t := range f.tickets {
		if q.Status == "" || string(t.Status) == q.Status {
			out = append(out, t)
		}
	}
	return model.TicketPage{Tickets: out, Count: len(out)}, nil
}

func (f *fakeAPI) Upload(ctx context.Context, data []byte, filename, mimeType string) (model.UploadedMedia, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, filename)
	f.mu.Unlock()
	return model.UploadedMedia{MediaURL: "/media/" + filename, MediaType: "audio", OriginalName: filename, MimeType: mimeType, Size: int64(len(data))}, nil
}

type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *idleConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, realtime.ErrClosed
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingTransport struct {
	mu     sync.Mutex
	tokens []string
	conns  []*idleConn
}

func (t *recordingTransport) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
	c := &idleConn{closed: make(chan struct{})}
	t.conns = append(t.conns, c)
	return c, nil
}

func newFixture(t *testing.T) (*Session, *fakeAPI, *recordingTransport) {
	t.Helper()
	api := &fakeAPI{
		tickets: []model.Ticket{
			{ID: 1, Status: model.TicketStatusOpen},
			{ID: 2, Status: model.TicketStatusOpen, UnreadMessages: 2},
			{ID: 3, Status: model.TicketStatusClosed},
		},
		history: map[int64][]model.Message{
			1: {{ID: 12, TicketID: 1, Body: "b"}, {ID: 11, TicketID: 1, Body: "a"}},
			2: {{ID: 21, TicketID: 2, Body: "hi"}},
		},
		nextID: 100,
	}
	tr := &recordingTransport{}
	s := NewSession(SessionDeps{API: api, Transport: tr, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Login(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	return s, api, tr
}

func bodies(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Body
	}
	return out
}

func TestLoginConnectsAndLoadsOpenTickets(t *testing.T) {
	s, api, tr := newFixture(t)
	if api.token != "tok" {
		t.Fatalf("api token = %q", api.token)
	}
	if len(tr.tokens) != 1 || tr.tokens[0] != "tok" {
		t.Fatalf("transport tokens = %v", tr.tokens)
	}
	if got := s.Tickets().Tickets(); len(got) != 2 {
		t.Fatalf("tickets = %d, want the 2 open ones", len(got))
	}
}

func TestSelectTicketLoadsHistoryAndRoutesPushes(t *testing.T) {
	s, _, _ := newFixture(t)
	ctx := context.Background()
	if err := s.SelectTicketByID(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := bodies(s.Messages().Messages()); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("history = %v", got)
	}

	now := time.Now()
	s.HandleEvent(events.MessageCreated(model.Message{ID: 13, TicketID: 1, Body: "c"}, 0, now))
	s.HandleEvent(events.MessageCreated(model.Message{ID: 30, TicketID: 3, Body: "elsewhere"}, 0, now))
	s.HandleEvent(events.MessageCreated(model.Message{ID: 13, TicketID: 1, Body: "c again"}, 0, now))
	if got := bodies(s.Messages().Messages()); len(got) != 3 || got[2] != "c" {
		t.Fatalf("after pushes = %v", got)
	}

	s.HandleEvent(events.MessageUpdated(events.AckUpdate{MessageID: 13, TicketID: 1, Ack: 3}, 0, now))
	if m := s.Messages().Messages()[2]; !m.Seen() {
		t.Fatal("ack not applied")
	}

	patched := *s.Tickets().Selected()
	patched.LastMessage = "c"
	s.HandleEvent(events.TicketUpdated(patched, now))
	sel := s.Tickets().Selected()
	if sel.LastMessage != "c" || sel != s.Tickets().Tickets()[0] {
		t.Fatal("ticket patch did not reach list and selection")
	}
}

func TestSwitchingTicketsDropsStalePushes(t *testing.T) {
	s, api, _ := newFixture(t)
	ctx := context.Background()
	if err := s.SelectTicketByID(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SelectTicketByID(ctx, 2); err != nil {
		t.Fatal(err)
	}
	s.HandleEvent(events.MessageCreated(model.Message{ID: 14, TicketID: 1, Body: "late"}, 0, time.Now()))
	if got := bodies(s.Messages().Messages()); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("history = %v", got)
	}
	if len(api.markRead) != 1 || api.markRead[0] != 2 {
		t.Fatalf("markRead = %v, want [2]", api.markRead)
	}
}

func TestSendTextThenEchoIsNotDuplicated(t *testing.T) {
	s, _, _ := newFixture(t)
	ctx := context.Background()
	if _, err := s.SendText(ctx, "hello"); !errors.Is(err, errs.ErrNoTicketSelected) {
		t.Fatalf("err = %v", err)
	}
	if err := s.SelectTicketByID(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendText(ctx, "   "); !errors.Is(err, errs.ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
	msg, err := s.SendText(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.HandleEvent(events.MessageCreated(msg, 0, time.Now()))
	if got := bodies(s.Messages().Messages()); len(got) != 3 || got[2] != "hello" {
		t.Fatalf("history = %v", got)
	}
}

func TestSendRecording(t *testing.T) {
	api := &fakeAPI{
		tickets: []model.Ticket{{ID: 1, Status: model.TicketStatusOpen}},
		history: map[int64][]model.Message{},
		nextID:  500,
	}
	path := filepath.Join(t.TempDir(), "note.webm")
	if err := os.WriteFile(path, []byte("opus-frames"), 0o600); err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFake(time.UnixMilli(1700000000123))
	src := capture.NewFileSource(path, fake)
	s := NewSession(SessionDeps{API: api, Microphone: src, Encoder: src, Clock: fake, Logger: zerolog.Nop()})
	defer s.Close()
	ctx := context.Background()
	if err := s.Login(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if err := s.SelectTicketByID(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendRecording(ctx); !errors.Is(err, errs.ErrNoRecording) {
		t.Fatalf("err = %v", err)
	}

	rec := s.Recorder()
	if err := rec.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Second)
	if err := rec.StopRecording(); err != nil {
		t.Fatal(err)
	}
	msg, err := s.SendRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := "audio_1700000001123.webm"
	if len(api.uploads) != 1 || api.uploads[0] != want {
		t.Fatalf("uploads = %v, want [%s]", api.uploads, want)
	}
	if msg.Body != "" || msg.MediaURL != "/media/"+want {
		t.Fatalf("message = %+v", msg)
	}
	if st := rec.Snapshot().State; st != capture.StateIdle {
		t.Fatalf("recorder state = %s after send", st)
	}
}

func TestLogoutTearsDown(t *testing.T) {
	s, api, tr := newFixture(t)
	ctx := context.Background()
	if err := s.SelectTicketByID(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Logout(); err != nil {
		t.Fatal(err)
	}
	if s.Tickets().Selected() != nil || s.Messages().ActiveTicketID() != 0 {
		t.Fatal("conversation survived logout")
	}
	if st := s.Tickets().State(); len(st.Tickets) != 0 || st.Count != 0 || st.HasMore {
		t.Fatalf("ticket list survived logout: %+v", st)
	}
	if api.token != "" {
		t.Fatal("token kept after logout")
	}
	select {
	case <-tr.conns[0].closed:
	default:
		t.Fatal("push connection left open")
	}
	s.HandleEvent(events.MessageCreated(model.Message{ID: 15, TicketID: 1}, 0, time.Now()))
	if len(s.Messages().Messages()) != 0 {
		t.Fatal("push ingested after logout")
	}

	if err := s.Login(ctx, "tok2"); err != nil {
		t.Fatal(err)
	}
	if len(tr.tokens) != 2 || tr.tokens[1] != "tok2" {
		t.Fatalf("tokens = %v", tr.tokens)
	}
}

func TestFailedReloginShowsNoStaleTickets(t *testing.T) {
	s, api, _ := newFixture(t)
	if err := s.Logout(); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	api.listErr = errors.New("unauthorized")
	api.mu.Unlock()
	if err := s.Login(context.Background(), "other"); err == nil {
		t.Fatal("expected login failure")
	}
	if got := s.Tickets().Tickets(); len(got) != 0 {
		t.Fatalf("tickets = %d after failed login, want none", len(got))
	}
}

func TestOnEventObservesAppliedPushes(t *testing.T) {
	api := &fakeAPI{history: map[int64][]model.Message{}}
	var seen []string
	s := NewSession(SessionDeps{API: api, Logger: zerolog.Nop(), OnEvent: func(e events.Event) {
		seen = append(seen, e.Meta.Type)
	}})
	now := time.Now()
	s.HandleEvent(events.MessageCreated(model.Message{ID: 1, TicketID: 1}, 0, now))
	s.HandleEvent(events.TicketUpdated(model.Ticket{ID: 1}, now))
	if len(seen) != 2 || seen[0] != events.TypeMessageCreated || seen[1] != events.TypeTicketUpdated {
		t.Fatalf("observed = %v", seen)
	}
}
