package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/store"
)

type searchAPI struct {
	mu      sync.Mutex
	queries []model.TicketQuery
}

func (a *searchAPI) ListTickets(ctx context.Context, q model.TicketQuery) (model.TicketPage, error) {
	a.mu.Lock()
	a.queries = append(a.queries, q)
	a.mu.Unlock()
	t := model.Ticket{ID: 7, Status: model.TicketStatusOpen, Contact: &model.Contact{Name: "Ana"}, LastMessage: "hi"}
	return model.TicketPage{Tickets: []model.Ticket{t}, Count: 1}, nil
}

func TestSearchLoopAppliesLastTermOnce(t *testing.T) {
	api := &searchAPI{}
	tickets := store.NewTicketStore(api)
	var out bytes.Buffer
	if err := searchLoop(context.Background(), strings.NewReader("a\nan\nana\n"), &out, tickets); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.queries) != 1 || api.queries[0].Search != "ana" {
		t.Fatalf("queries = %+v, want one search for ana", api.queries)
	}
	if !strings.Contains(out.String(), "Ana") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestPrintMessageMarksDelivery(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		msg  model.Message
		want string
	}{
		{model.Message{ID: 1, Body: "hi", CreatedAt: at}, "contact hi\n"},
		{model.Message{ID: 2, Body: "sent", FromMe: true, Ack: 1, CreatedAt: at}, "sent  ✓\n"},
		{model.Message{ID: 3, Body: "seen", FromMe: true, Ack: 3, CreatedAt: at}, "seen  ✓✓ read\n"},
		{model.Message{ID: 4, FromMe: true, Ack: 2, MediaURL: "/api/media/x.webm", MediaType: "audio", CreatedAt: at}, "[audio /api/media/x.webm]  ✓✓\n"},
	}
	for _, tt := range tests {
		var b bytes.Buffer
		printMessage(&b, tt.msg)
		if !strings.HasSuffix(b.String(), tt.want) {
			t.Errorf("message %d: %q, want suffix %q", tt.msg.ID, b.String(), tt.want)
		}
	}
}
