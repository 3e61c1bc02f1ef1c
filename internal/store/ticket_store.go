package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/rs/zerolog"
)

const DefaultTicketPageSize = 40

// TicketAPI is the slice of the REST boundary the ticket store needs.
type TicketAPI interface {
	ListTickets(ctx context.Context, query model.TicketQuery) (model.TicketPage, error)
}

// TicketStore owns the filtered ticket list and the single selection.
//
// The list is never modified in place: every change builds a new slice,
// so a slice returned by Tickets stays valid and unchanged. Tickets are
// held by pointer and an entry keeps its pointer until it is replaced.
type TicketStore struct {
	api      TicketAPI
	pageSize int
	logger   zerolog.Logger

	mu          sync.Mutex
	tickets     []*model.Ticket
	selected    *model.Ticket
	isLoading   bool
	filter      model.Filter
	searchParam string
	count       int
	hasMore     bool
	// fetchSeq orders overlapping fetches; only the latest one applies.
	fetchSeq uint64
}

type TicketStoreOption func(*TicketStore)

func WithTicketPageSize(n int) TicketStoreOption {
	return func(s *TicketStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithTicketLogger(l zerolog.Logger) TicketStoreOption {
	return func(s *TicketStore) { s.logger = l }
}

func NewTicketStore(api TicketAPI, opts ...TicketStoreOption) *TicketStore {
	s := &TicketStore{
		api:      api,
		pageSize: DefaultTicketPageSize,
		logger:   zerolog.Nop(),
		filter:   model.FilterOpen,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type TicketState struct {
	Tickets     []*model.Ticket
	Selected    *model.Ticket
	IsLoading   bool
	Filter      model.Filter
	SearchParam string
	Count       int
	HasMore     bool
}

func (s *TicketStore) State() TicketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TicketState{
		Tickets:     s.tickets,
		Selected:    s.selected,
		IsLoading:   s.isLoading,
		Filter:      s.filter,
		SearchParam: s.searchParam,
		Count:       s.count,
		HasMore:     s.hasMore,
	}
}

// Tickets returns the current list. Callers must not modify it.
func (s *TicketStore) Tickets() []*model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets
}

func (s *TicketStore) Selected() *model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// FetchTickets replaces the list with the first page matching the
// current filter and search. On failure the previous list is kept.
func (s *TicketStore) FetchTickets(ctx context.Context) error {
	s.mu.Lock()
	s.fetchSeq++
	seq := s.fetchSeq
	s.isLoading = true
	query := model.TicketQuery{
		Status:     s.filter.Status(),
		Search:     s.searchParam,
		PageNumber: 1,
		Limit:      s.pageSize,
	}
	s.mu.Unlock()

	page, err := s.api.ListTickets(ctx, query)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.fetchSeq {
		s.logger.Debug().Str("status", query.Status).Str("search", query.Search).Msg("ticket store: dropped superseded list response")
		return nil
	}
	s.isLoading = false
	if err != nil {
		return fmt.Errorf("fetch tickets: %w", err)
	}
	next := make([]*model.Ticket, len(page.Tickets))
	for i := range page.Tickets {
		t := page.Tickets[i]
		next[i] = &t
	}
	s.tickets = next
	s.count = page.Count
	s.hasMore = page.HasMore
	return nil
}

// SelectTicket points the selection at t. Loading its messages is the
// caller's job.
func (s *TicketStore) SelectTicket(t *model.Ticket) {
	s.mu.Lock()
	s.selected = t
	s.mu.Unlock()
}

func (s *TicketStore) ClearSelection() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// Reset empties the list and the selection and drops any fetch in
// flight. Filter and search text are kept.
func (s *TicketStore) Reset() {
	s.mu.Lock()
	s.fetchSeq++
	s.tickets = nil
	s.selected = nil
	s.isLoading = false
	s.count = 0
	s.hasMore = false
	s.mu.Unlock()
}

func (s *TicketStore) SetFilter(ctx context.Context, f model.Filter) error {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
	return s.FetchTickets(ctx)
}

// SetSearchParam updates the search text and refetches. Debouncing
// keystrokes is up to the caller (see Debouncer).
func (s *TicketStore) SetSearchParam(ctx context.Context, search string) error {
	s.mu.Lock()
	s.searchParam = search
	s.mu.Unlock()
	return s.FetchTickets(ctx)
}

// UpdateTicket replaces the entry with t.ID by a copy of t in a new
// slice; every other entry keeps its pointer. If the selected ticket has
// the same id, the selection becomes the same new pointer. Tickets not
// in the list are ignored. Reports whether the list changed.
func (s *TicketStore) UpdateTicket(t model.Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := &t
	replaced := false
	next := make([]*model.Ticket, len(s.tickets))
	for i, cur := range s.tickets {
		if cur.ID == t.ID {
			next[i] = updated
			replaced = true
			continue
		}
		next[i] = cur
	}
	if replaced {
		s.tickets = next
	}
	if s.selected != nil && s.selected.ID == t.ID {
		s.selected = updated
	}
	return replaced
}
