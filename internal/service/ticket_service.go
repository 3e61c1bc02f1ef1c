package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/rs/zerolog"
)

// InboxServicer is what the HTTP handlers depend on.
type InboxServicer interface {
	CreateTicket(ctx context.Context, in NewTicket) (model.Ticket, error)
	GetTicket(ctx context.Context, id int64) (model.Ticket, error)
	ListTickets(ctx context.Context, q model.TicketQuery) (model.TicketPage, error)
	UpdateStatus(ctx context.Context, id int64, status model.TicketStatus) (model.Ticket, error)

	ListMessages(ctx context.Context, ticketID int64, page, limit int) (model.MessagePage, error)
	SendMessage(ctx context.Context, ticketID int64, out model.OutgoingMessage) (model.Message, error)
	ReceiveInbound(ctx context.Context, ticketID int64, in model.OutgoingMessage) (model.Message, error)
	MarkRead(ctx context.Context, ticketID int64) error

	SaveMedia(ctx context.Context, filename, mimeType string, data []byte) (model.UploadedMedia, error)
	Media(ctx context.Context, name string) (StoredMedia, error)
}

const (
	DefaultTicketLimit  = 40
	DefaultMessageLimit = 50
	MaxPageLimit        = 200
	// AckServer and AckDelivered are the delivery states the sandbox
	// walks an outbound message through.
	AckServer    = 1
	AckDelivered = 2
)

// NewTicket is the input of CreateTicket.
type NewTicket struct {
	ContactName   string
	ContactNumber string
	Status        model.TicketStatus
}

// InboxService is the in-memory backend of the sandbox: tickets,
// their messages and uploaded media, lost on restart. Every mutation
// is published as an event after the lock is released.
type InboxService struct {
	clock    clock.Clock
	pub      events.Publisher
	logger   zerolog.Logger
	tenantID int64
	maxMedia int64
	ackDelay time.Duration

	mu            sync.Mutex
	nextTicketID  int64
	nextMessageID int64
	nextContactID int64
	tickets       map[int64]*model.Ticket
	messages      map[int64][]model.Message // oldest first
	media         map[string]StoredMedia
}

type Option func(*InboxService)

func WithClock(c clock.Clock) Option { return func(s *InboxService) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *InboxService) { s.logger = l } }

func WithTenant(id int64) Option { return func(s *InboxService) { s.tenantID = id } }

func WithMaxMediaBytes(n int64) Option {
	return func(s *InboxService) {
		if n > 0 {
			s.maxMedia = n
		}
	}
}

// WithAckDelay makes an outbound message go from server ack to
// delivered after d. Zero disables the simulation.
func WithAckDelay(d time.Duration) Option { return func(s *InboxService) { s.ackDelay = d } }

func NewInboxService(pub events.Publisher, opts ...Option) *InboxService {
	if pub == nil {
		pub = events.Multi(nil)
	}
	s := &InboxService{
		clock:    clock.Real(),
		pub:      pub,
		logger:   zerolog.Nop(),
		tenantID: 1,
		maxMedia: 16 << 20,
		tickets:  make(map[int64]*model.Ticket),
		messages: make(map[int64][]model.Message),
		media:    make(map[string]StoredMedia),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *InboxService) CreateTicket(ctx context.Context, in NewTicket) (model.Ticket, error) {
	status := in.Status
	if status == "" {
		status = model.TicketStatusOpen
	}
	if !status.Valid() {
		return model.Ticket{}, fmt.Errorf("%w: %q", errs.ErrInvalidStatus, status)
	}
	name := strings.TrimSpace(in.ContactName)
	if name == "" {
		name = in.ContactNumber
	}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	s.nextTicketID++
	s.nextContactID++
	t := &model.Ticket{
		ID:        s.nextTicketID,
		Status:    status,
		ContactID: s.nextContactID,
		Contact:   &model.Contact{ID: s.nextContactID, Name: name, Number: in.ContactNumber},
		TenantID:  s.tenantID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tickets[t.ID] = t
	out := cloneTicket(t)
	s.mu.Unlock()

	s.logger.Info().Int64("ticket_id", out.ID).Str("status", string(status)).Msg("inbox: ticket created")
	s.pub.Publish(ctx, events.TicketUpdated(out, now))
	return out, nil
}

func (s *InboxService) GetTicket(ctx context.Context, id int64) (model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return model.Ticket{}, errs.ErrTicketNotFound
	}
	return cloneTicket(t), nil
}

// ListTickets filters by status and by a case-insensitive search over
// contact name, number and last message, most recently active first.
func (s *InboxService) ListTickets(ctx context.Context, q model.TicketQuery) (model.TicketPage, error) {
	if q.Status != "" && !model.TicketStatus(q.Status).Valid() {
		return model.TicketPage{}, fmt.Errorf("%w: %q", errs.ErrInvalidStatus, q.Status)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTicketLimit
	}
	page := q.PageNumber
	if page <= 0 {
		page = 1
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	s.mu.Lock()
	matched := make([]model.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if q.Status != "" && string(t.Status) != q.Status {
			continue
		}
		if search != "" && !ticketMatches(t, search) {
			continue
		}
		matched = append(matched, cloneTicket(t))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	start, end := pageBounds(len(matched), page, limit)
	return model.TicketPage{
		Tickets: matched[start:end],
		Count:   len(matched),
		HasMore: end < len(matched),
	}, nil
}

// UpdateStatus moves a ticket to status.
func (s *InboxService) UpdateStatus(ctx context.Context, id int64, status model.TicketStatus) (model.Ticket, error) {
	if !status.Valid() {
		return model.Ticket{}, fmt.Errorf("%w: %q", errs.ErrInvalidStatus, status)
	}
	now := s.clock.Now().UTC()
	s.mu.Lock()
	t, ok := s.tickets[id]
	if !ok {
		s.mu.Unlock()
		return model.Ticket{}, errs.ErrTicketNotFound
	}
	t.Status = status
	t.UpdatedAt = now
	out := cloneTicket(t)
	s.mu.Unlock()

	s.pub.Publish(ctx, events.TicketUpdated(out, now))
	return out, nil
}

func ticketMatches(t *model.Ticket, search string) bool {
	if strings.Contains(strings.ToLower(t.LastMessage), search) {
		return true
	}
	if t.Contact == nil {
		return false
	}
	return strings.Contains(strings.ToLower(t.Contact.Name), search) ||
		strings.Contains(t.Contact.Number, search)
}

func cloneTicket(t *model.Ticket) model.Ticket {
	out := *t
	if t.Contact != nil {
		c := *t.Contact
		out.Contact = &c
	}
	if t.LastMessageAt != nil {
		at := *t.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

// pageBounds returns the [start,end) window of a 1-based page. limit is
// capped at MaxPageLimit; a page past the end is empty.
func pageBounds(total, page, limit int) (int, int) {
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if page-1 > total/limit {
		return total, total
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}
