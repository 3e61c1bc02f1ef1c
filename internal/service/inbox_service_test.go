package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

type eventLog struct{ got []events.Event }

func (l *eventLog) Publish(ctx context.Context, e events.Event) { l.got = append(l.got, e) }

func (l *eventLog) types() []string {
	out := make([]string, len(l.got))
	for i, e := range l.got {
		out[i] = e.Meta.Type
	}
	return out
}

func newService(opts ...Option) (*InboxService, *eventLog, *clock.Fake) {
	log := &eventLog{}
	fake := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(fake), WithTenant(7)}, opts...)
	return NewInboxService(log, opts...), log, fake
}

func mustTicket(t *testing.T, s *InboxService, name string) model.Ticket {
	t.Helper()
	tk, err := s.CreateTicket(context.Background(), NewTicket{ContactName: name, ContactNumber: "5511999"})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestListMessagesIsNewestFirstAndPaged(t *testing.T) {
	s, _, fake := newService()
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	for _, body := range []string{"1", "2", "3", "4", "5"} {
		fake.Advance(time.Second)
		if _, err := s.ReceiveInbound(ctx, tk.ID, model.OutgoingMessage{Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	p1, err := s.ListMessages(ctx, tk.ID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Messages) != 2 || p1.Messages[0].Body != "5" || p1.Messages[1].Body != "4" || !p1.HasMore || p1.Count != 5 {
		t.Fatalf("page 1 = %+v", p1)
	}
	p3, err := s.ListMessages(ctx, tk.ID, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p3.Messages) != 1 || p3.Messages[0].Body != "1" || p3.HasMore {
		t.Fatalf("page 3 = %+v", p3)
	}
	p9, err := s.ListMessages(ctx, tk.ID, 9, 2)
	if err != nil || len(p9.Messages) != 0 || p9.HasMore {
		t.Fatalf("page 9 = %+v, %v", p9, err)
	}
	if _, err := s.ListMessages(ctx, 999, 1, 2); !errors.Is(err, errs.ErrTicketNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestPagingPastTheEndIsEmpty(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	mustTicket(t, s, "João")
	if _, err := s.ReceiveInbound(ctx, tk.ID, model.OutgoingMessage{Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	tickets, err := s.ListTickets(ctx, model.TicketQuery{PageNumber: math.MaxInt, Limit: 2})
	if err != nil || len(tickets.Tickets) != 0 || tickets.HasMore || tickets.Count != 2 {
		t.Fatalf("tickets = %+v, %v", tickets, err)
	}
	msgs, err := s.ListMessages(ctx, tk.ID, math.MaxInt, math.MaxInt)
	if err != nil || len(msgs.Messages) != 0 || msgs.HasMore {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}
}

func TestLimitIsCapped(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	for i := 0; i < MaxPageLimit+5; i++ {
		if _, err := s.ReceiveInbound(ctx, tk.ID, model.OutgoingMessage{Body: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := s.ListMessages(ctx, tk.ID, 1, math.MaxInt)
	if err != nil || len(page.Messages) != MaxPageLimit || !page.HasMore {
		t.Fatalf("got %d messages, hasMore=%v, err=%v", len(page.Messages), page.HasMore, err)
	}
	page2, _ := s.ListMessages(ctx, tk.ID, 2, math.MaxInt)
	if len(page2.Messages) != 5 || page2.HasMore {
		t.Fatalf("page 2 = %d messages", len(page2.Messages))
	}
}

func TestInboundBumpsTicketAndReopensClosed(t *testing.T) {
	s, log, _ := newService()
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	if _, err := s.UpdateStatus(ctx, tk.ID, model.TicketStatusClosed); err != nil {
		t.Fatal(err)
	}
	log.got = nil

	msg, err := s.ReceiveInbound(ctx, tk.ID, model.OutgoingMessage{Body: "are you there?"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.FromMe || msg.Read {
		t.Fatalf("inbound message = %+v", msg)
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.Status != model.TicketStatusPending || got.UnreadMessages != 1 || got.LastMessage != "are you there?" || got.LastMessageAt == nil {
		t.Fatalf("ticket = %+v", got)
	}
	if ty := log.types(); len(ty) != 2 || ty[0] != events.TypeMessageCreated || ty[1] != events.TypeTicketUpdated {
		t.Fatalf("events = %v", ty)
	}
	if log.got[0].Meta.TenantID != 7 {
		t.Fatalf("tenant = %d", log.got[0].Meta.TenantID)
	}
}

func TestSendMessageSimulatesDelivery(t *testing.T) {
	s, log, fake := newService(WithAckDelay(time.Second))
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	log.got = nil

	msg, err := s.SendMessage(ctx, tk.ID, model.OutgoingMessage{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.FromMe || msg.Ack != AckServer {
		t.Fatalf("sent = %+v", msg)
	}
	fake.Advance(time.Second)
	last := log.got[len(log.got)-1]
	if last.Meta.Type != events.TypeMessageUpdated || last.Ack.MessageID != msg.ID || last.Ack.Ack != AckDelivered {
		t.Fatalf("last event = %+v", last)
	}
	page, _ := s.ListMessages(ctx, tk.ID, 1, 10)
	if page.Messages[0].Ack != AckDelivered {
		t.Fatal("stored ack not updated")
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	s, _, _ := newService()
	tk := mustTicket(t, s, "Maria")
	if _, err := s.SendMessage(context.Background(), tk.ID, model.OutgoingMessage{Body: "  "}); !errors.Is(err, errs.ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.SendMessage(context.Background(), tk.ID, model.OutgoingMessage{MediaURL: "/api/media/x.webm", MediaType: "audio"}); err != nil {
		t.Fatalf("media-only message rejected: %v", err)
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	s, log, _ := newService()
	ctx := context.Background()
	tk := mustTicket(t, s, "Maria")
	for i := 0; i < 3; i++ {
		if _, err := s.ReceiveInbound(ctx, tk.ID, model.OutgoingMessage{Body: "ping"}); err != nil {
			t.Fatal(err)
		}
	}
	log.got = nil
	if err := s.MarkRead(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.UnreadMessages != 0 {
		t.Fatalf("unread = %d", got.UnreadMessages)
	}
	page, _ := s.ListMessages(ctx, tk.ID, 1, 10)
	for _, m := range page.Messages {
		if !m.Read {
			t.Fatalf("message %d not read", m.ID)
		}
	}
	if len(log.got) != 1 || log.got[0].Ticket.UnreadMessages != 0 {
		t.Fatalf("events = %v", log.types())
	}
	if err := s.MarkRead(ctx, tk.ID); err != nil || len(log.got) != 1 {
		t.Fatal("second MarkRead should publish nothing")
	}
}

func TestListTicketsFiltersSearchesAndOrders(t *testing.T) {
	s, _, fake := newService()
	ctx := context.Background()
	maria := mustTicket(t, s, "Maria Silva")
	fake.Advance(time.Minute)
	joao := mustTicket(t, s, "João")
	fake.Advance(time.Minute)
	ana := mustTicket(t, s, "Ana")
	if _, err := s.UpdateStatus(ctx, ana.ID, model.TicketStatusPending); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if _, err := s.ReceiveInbound(ctx, maria.ID, model.OutgoingMessage{Body: "boleto atrasado"}); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListTickets(ctx, model.TicketQuery{Status: "open"})
	if err != nil {
		t.Fatal(err)
	}
	if len(open.Tickets) != 2 || open.Tickets[0].ID != maria.ID || open.Tickets[1].ID != joao.ID {
		t.Fatalf("open = %+v", open.Tickets)
	}
	all, _ := s.ListTickets(ctx, model.TicketQuery{})
	if all.Count != 3 {
		t.Fatalf("all count = %d", all.Count)
	}
	byName, _ := s.ListTickets(ctx, model.TicketQuery{Search: "SILVA"})
	byBody, _ := s.ListTickets(ctx, model.TicketQuery{Search: "boleto"})
	if len(byName.Tickets) != 1 || len(byBody.Tickets) != 1 || byBody.Tickets[0].ID != maria.ID {
		t.Fatalf("search: name=%d body=%d", len(byName.Tickets), len(byBody.Tickets))
	}
	paged, _ := s.ListTickets(ctx, model.TicketQuery{PageNumber: 1, Limit: 2})
	if len(paged.Tickets) != 2 || !paged.HasMore {
		t.Fatalf("paged = %+v", paged)
	}
	if _, err := s.ListTickets(ctx, model.TicketQuery{Status: "archived"}); !errors.Is(err, errs.ErrInvalidStatus) {
		t.Fatalf("err = %v", err)
	}
}

func TestListTicketsReturnsCopies(t *testing.T) {
	s, _, _ := newService()
	tk := mustTicket(t, s, "Maria")
	page, _ := s.ListTickets(context.Background(), model.TicketQuery{})
	page.Tickets[0].Contact.Name = "mutated"
	got, _ := s.GetTicket(context.Background(), tk.ID)
	if got.Contact.Name != "Maria" {
		t.Fatal("caller mutated stored ticket")
	}
}

func TestMediaRoundTrip(t *testing.T) {
	s, _, _ := newService(WithMaxMediaBytes(8))
	ctx := context.Background()
	up, err := s.SaveMedia(ctx, "audio_1.webm", "audio/webm;codecs=opus", []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if up.MediaType != "audio" || up.Size != 3 || up.OriginalName != "audio_1.webm" || !strings.HasSuffix(up.MediaURL, ".webm") {
		t.Fatalf("upload = %+v", up)
	}
	stored, err := s.Media(ctx, strings.TrimPrefix(up.MediaURL, MediaPathPrefix))
	if err != nil || string(stored.Data) != "abc" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	if _, err := s.SaveMedia(ctx, "big.png", "image/png", make([]byte, 9)); !errors.Is(err, errs.ErrMediaTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Media(ctx, "nope"); !errors.Is(err, errs.ErrMediaNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMediaTypeOf(t *testing.T) {
	for mime, want := range map[string]string{
		"audio/ogg; codecs=opus": "audio",
		"image/jpeg":             "image",
		"video/mp4":              "video",
		"application/pdf":        "document",
		"":                       "document",
	} {
		if got := MediaTypeOf(mime); got != want {
			t.Errorf("MediaTypeOf(%q) = %q, want %q", mime, got, want)
		}
	}
}
