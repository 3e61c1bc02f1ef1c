package service

import (
	"context"
	"strings"

	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

// ListMessages returns one page of a ticket's history, newest first.
func (s *InboxService) ListMessages(ctx context.Context, ticketID int64, page, limit int) (model.MessagePage, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if page <= 0 {
		page = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return model.MessagePage{}, errs.ErrTicketNotFound
	}
	all := s.messages[ticketID]
	start, end := pageBounds(len(all), page, limit)
	out := make([]model.Message, 0, end-start)
	for i := len(all) - 1 - start; i >= len(all)-end; i-- {
		out = append(out, all[i])
	}
	return model.MessagePage{Messages: out, Count: len(all), HasMore: end < len(all)}, nil
}

// SendMessage stores an outbound message from the agent.
func (s *InboxService) SendMessage(ctx context.Context, ticketID int64, out model.OutgoingMessage) (model.Message, error) {
	msg, ticket, err := s.appendMessage(ticketID, out, true)
	if err != nil {
		return model.Message{}, err
	}
	s.publishAppended(ctx, msg, ticket)
	if s.ackDelay > 0 {
		s.clock.AfterFunc(s.ackDelay, func() { s.deliver(msg.ID, ticketID) })
	}
	return msg, nil
}

// ReceiveInbound simulates a contact writing in. A closed ticket is
// reopened as pending.
func (s *InboxService) ReceiveInbound(ctx context.Context, ticketID int64, in model.OutgoingMessage) (model.Message, error) {
	msg, ticket, err := s.appendMessage(ticketID, in, false)
	if err != nil {
		return model.Message{}, err
	}
	s.publishAppended(ctx, msg, ticket)
	return msg, nil
}

// MarkRead flags the contact's messages read and zeroes the unread
// counter.
func (s *InboxService) MarkRead(ctx context.Context, ticketID int64) error {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return errs.ErrTicketNotFound
	}
	msgs := s.messages[ticketID]
	for i := range msgs {
		if !msgs[i].FromMe {
			msgs[i].Read = true
		}
	}
	changed := t.UnreadMessages != 0
	t.UnreadMessages = 0
	out := cloneTicket(t)
	s.mu.Unlock()

	if changed {
		s.pub.Publish(ctx, events.TicketUpdated(out, now))
	}
	return nil
}

func (s *InboxService) appendMessage(ticketID int64, in model.OutgoingMessage, fromMe bool) (model.Message, model.Ticket, error) {
	if strings.TrimSpace(in.Body) == "" && in.MediaURL == "" {
		return model.Message{}, model.Ticket{}, errs.ErrEmptyMessage
	}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return model.Message{}, model.Ticket{}, errs.ErrTicketNotFound
	}
	s.nextMessageID++
	msg := model.Message{
		ID:        s.nextMessageID,
		TicketID:  ticketID,
		Body:      in.Body,
		FromMe:    fromMe,
		Read:      fromMe,
		MediaURL:  in.MediaURL,
		MediaType: in.MediaType,
		CreatedAt: now,
	}
	if fromMe {
		msg.Ack = AckServer
	} else {
		t.UnreadMessages++
		if t.Status == model.TicketStatusClosed {
			t.Status = model.TicketStatusPending
		}
	}
	s.messages[ticketID] = append(s.messages[ticketID], msg)

	t.LastMessage = previewOf(msg)
	at := now
	t.LastMessageAt = &at
	t.UpdatedAt = now
	return msg, cloneTicket(t), nil
}

func (s *InboxService) publishAppended(ctx context.Context, msg model.Message, t model.Ticket) {
	s.pub.Publish(ctx, events.MessageCreated(msg, t.TenantID, msg.CreatedAt))
	s.pub.Publish(ctx, events.TicketUpdated(t, msg.CreatedAt))
}

func (s *InboxService) deliver(messageID, ticketID int64) {
	s.mu.Lock()
	msgs := s.messages[ticketID]
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID && msgs[i].Ack < AckDelivered {
			msgs[i].Ack = AckDelivered
			found = true
			break
		}
	}
	tenant := s.tenantID
	s.mu.Unlock()
	if !found {
		return
	}
	u := events.AckUpdate{MessageID: messageID, TicketID: ticketID, Ack: AckDelivered}
	s.pub.Publish(context.Background(), events.MessageUpdated(u, tenant, s.clock.Now()))
}

// previewOf is the list preview of a message: its body, or a media
// placeholder.
func previewOf(m model.Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.MediaType != "" {
		return "[" + m.MediaType + "]"
	}
	return "[media]"
}
