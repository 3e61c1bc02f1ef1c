// Package store holds the client-side state of the inbox: the ticket
// list with its selection, and the message history of the one active
// conversation. Both are plain containers created per session; they
// are not coupled to each other, the composition layer wires them.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/rs/zerolog"
)

const DefaultMessagePageSize = 50

// MessageAPI is the slice of the REST boundary the message store needs.
type MessageAPI interface {
	ListMessages(ctx context.Context, ticketID int64, page, limit int) (model.MessagePage, error)
	SendMessage(ctx context.Context, ticketID int64, out model.OutgoingMessage) (model.Message, error)
	MarkRead(ctx context.Context, ticketID int64) error
}

// Uploader turns a raw blob into a media reference.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, mimeType string) (model.UploadedMedia, error)
}

// MessageStore owns the ordered history (oldest first) of the active
// ticket. Each mutation is applied under the lock as one step; network
// calls run outside it. The loading flag is the only guard against
// overlapping page loads: a second load is rejected, never queued.
type MessageStore struct {
	api      MessageAPI
	uploader Uploader
	clock    clock.Clock
	pageSize int
	logger   zerolog.Logger

	mu             sync.Mutex
	messages       []model.Message
	ids            map[int64]struct{}
	isLoading      bool
	hasMore        bool
	page           int
	activeTicketID int64
	// gen changes on every LoadHistory and Reset; responses carrying an
	// older gen are stale.
	gen uint64
}

type MessageStoreOption func(*MessageStore)

func WithMessagePageSize(n int) MessageStoreOption {
	return func(s *MessageStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithMessageClock(c clock.Clock) MessageStoreOption {
	return func(s *MessageStore) { s.clock = c }
}

func WithMessageLogger(l zerolog.Logger) MessageStoreOption {
	return func(s *MessageStore) { s.logger = l }
}

func NewMessageStore(api MessageAPI, uploader Uploader, opts ...MessageStoreOption) *MessageStore {
	s := &MessageStore{
		api:      api,
		uploader: uploader,
		clock:    clock.Real(),
		pageSize: DefaultMessagePageSize,
		logger:   zerolog.Nop(),
		ids:      make(map[int64]struct{}),
		page:     1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MessageState is a point-in-time copy of the store.
type MessageState struct {
	Messages       []model.Message
	IsLoading      bool
	HasMore        bool
	Page           int
	ActiveTicketID int64
}

func (s *MessageStore) State() MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MessageState{
		Messages:       append([]model.Message(nil), s.messages...),
		IsLoading:      s.isLoading,
		HasMore:        s.hasMore,
		Page:           s.page,
		ActiveTicketID: s.activeTicketID,
	}
}

func (s *MessageStore) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *MessageStore) ActiveTicketID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTicketID
}

// LoadHistory makes ticketID active and replaces the history with its
// newest page. A response that arrives after the active ticket changed
// (or after a newer LoadHistory/Reset) is discarded. Messages ingested
// while the request was in flight are kept after the page.
func (s *MessageStore) LoadHistory(ctx context.Context, ticketID int64) error {
	s.mu.Lock()
	if s.activeTicketID != ticketID {
		s.messages = nil
		s.ids = make(map[int64]struct{})
		s.hasMore = false
	}
	s.gen++
	gen := s.gen
	s.isLoading = true
	s.page = 1
	s.activeTicketID = ticketID
	before := make(map[int64]struct{}, len(s.ids))
	for id := range s.ids {
		before[id] = struct{}{}
	}
	s.mu.Unlock()

	page, err := s.api.ListMessages(ctx, ticketID, 1, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.activeTicketID != ticketID {
		s.logger.Debug().Int64("ticket_id", ticketID).Msg("message store: dropped stale history response")
		return nil
	}
	s.isLoading = false
	if err != nil {
		return fmt.Errorf("load history for ticket %d: %w", ticketID, err)
	}

	stored := make(map[int64]model.Message, len(s.messages))
	for _, m := range s.messages {
		stored[m.ID] = m
	}
	next := make([]model.Message, 0, len(page.Messages)+len(s.messages))
	ids := make(map[int64]struct{}, len(page.Messages)+len(s.messages))
	for _, m := range reverse(page.Messages) {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		if prev, ok := stored[m.ID]; ok {
			m = prev
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
	}
	for _, m := range s.messages {
		_, inPage := ids[m.ID]
		_, old := before[m.ID]
		if inPage || old {
			continue
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
	}
	s.messages, s.ids = next, ids
	s.hasMore = page.HasMore
	return nil
}

// LoadOlderPage prepends the next older page. It is a no-op when there
// is nothing more to load, a load is in flight, or ticketID is not the
// active ticket.
func (s *MessageStore) LoadOlderPage(ctx context.Context, ticketID int64) error {
	s.mu.Lock()
	if !s.hasMore || s.isLoading || s.activeTicketID != ticketID {
		s.mu.Unlock()
		return nil
	}
	s.isLoading = true
	s.page++
	pageNumber := s.page
	gen := s.gen
	s.mu.Unlock()

	page, err := s.api.ListMessages(ctx, ticketID, pageNumber, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.activeTicketID != ticketID {
		s.logger.Debug().Int64("ticket_id", ticketID).Int("page", pageNumber).Msg("message store: dropped stale page")
		return nil
	}
	s.isLoading = false
	if err != nil {
		s.page--
		return fmt.Errorf("load page %d for ticket %d: %w", pageNumber, ticketID, err)
	}
	older := s.mergeLocked(reverse(page.Messages), nil)
	s.messages = append(older, s.messages...)
	s.hasMore = page.HasMore
	return nil
}

// Send posts a message and appends the server's copy once the request
// succeeds. Nothing is rendered before the response.
func (s *MessageStore) Send(ctx context.Context, ticketID int64, body string, media *model.UploadedMedia) (model.Message, error) {
	out := model.OutgoingMessage{Body: body}
	if media != nil {
		out.MediaURL = media.MediaURL
		out.MediaType = media.MediaType
	}
	msg, err := s.api.SendMessage(ctx, ticketID, out)
	if err != nil {
		return model.Message{}, fmt.Errorf("send to ticket %d: %w", ticketID, err)
	}
	if !s.Ingest(msg) {
		s.logger.Debug().Int64("message_id", msg.ID).Msg("message store: sent message already present or ticket inactive")
	}
	return msg, nil
}

// SendAudio uploads a recorded blob as audio_{epochMillis}.{ext} and
// sends it with an empty body. An upload failure aborts before sending.
func (s *MessageStore) SendAudio(ctx context.Context, ticketID int64, blob []byte, mimeType string, duration float64) (model.Message, error) {
	filename := AudioFilename(mimeType, s.clock.Now())
	media, err := s.uploader.Upload(ctx, blob, filename, mimeType)
	if err != nil {
		return model.Message{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	s.logger.Debug().
		Str("filename", filename).
		Float64("duration_s", duration).
		Int("bytes", len(blob)).
		Msg("message store: audio uploaded")
	return s.Send(ctx, ticketID, "", &media)
}

// Ingest inserts a pushed message. Duplicate ids and messages of other
// tickets are ignored; the first copy seen for an id wins. Reports
// whether the message was appended.
func (s *MessageStore) Ingest(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTicketID == 0 || msg.TicketID != s.activeTicketID {
		return false
	}
	if _, ok := s.ids[msg.ID]; ok {
		return false
	}
	s.ids[msg.ID] = struct{}{}
	next := make([]model.Message, len(s.messages), len(s.messages)+1)
	copy(next, s.messages)
	s.messages = append(next, msg)
	return true
}

// UpdateAck replaces the delivery state of a stored message. Updates
// are applied in arrival order (last write wins), even if the ack goes
// down.
func (s *MessageStore) UpdateAck(messageID int64, ack int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[messageID]; !ok {
		return false
	}
	next := append([]model.Message(nil), s.messages...)
	for i := range next {
		if next[i].ID == messageID {
			next[i].Ack = ack
			break
		}
	}
	s.messages = next
	return true
}

// MarkRead acknowledges the conversation and flags local copies read.
func (s *MessageStore) MarkRead(ctx context.Context, ticketID int64) error {
	if err := s.api.MarkRead(ctx, ticketID); err != nil {
		return fmt.Errorf("mark ticket %d read: %w", ticketID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTicketID != ticketID {
		return nil
	}
	next := append([]model.Message(nil), s.messages...)
	for i := range next {
		if !next[i].FromMe {
			next[i].Read = true
		}
	}
	s.messages = next
	return nil
}

// Reset forgets the active ticket. Call it on deselection so late
// pushes and responses for the old ticket are dropped.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.ids = make(map[int64]struct{})
	s.page = 1
	s.hasMore = false
	s.isLoading = false
	s.activeTicketID = 0
	s.gen++
}

// mergeLocked returns the messages of batch whose ids are not yet
// stored, registering them. Caller holds mu.
func (s *MessageStore) mergeLocked(batch []model.Message, dst []model.Message) []model.Message {
	for _, m := range batch {
		if _, ok := s.ids[m.ID]; ok {
			continue
		}
		s.ids[m.ID] = struct{}{}
		dst = append(dst, m)
	}
	return dst
}

func reverse(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

// AudioFilename builds audio_{epochMillis}.{ext} from the recorder's
// mime type, e.g. "audio/webm;codecs=opus" gives "webm".
func AudioFilename(mimeType string, now time.Time) string {
	return "audio_" + strconv.FormatInt(now.UnixMilli(), 10) + "." + audioExtension(mimeType)
}

func audioExtension(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	_, sub, ok := strings.Cut(strings.ToLower(base), "/")
	if !ok || sub == "" {
		return "bin"
	}
	if sub == "mpeg" {
		return "mp3"
	}
	return sub
}

// DaySeparators reports, per message, whether a date separator goes
// above it: the first message, and every message whose calendar day
// (in loc) differs from its predecessor in store order.
func DaySeparators(messages []model.Message, loc *time.Location) []bool {
	if loc == nil {
		loc = time.Local
	}
	out := make([]bool, len(messages))
	for i, m := range messages {
		if i == 0 {
			out[i] = true
			continue
		}
		py, pm, pd := messages[i-1].CreatedAt.In(loc).Date()
		cy, cm, cd := m.CreatedAt.In(loc).Date()
		out[i] = py != cy || pm != cm || pd != cd
	}
	return out
}
