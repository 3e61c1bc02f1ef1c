package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/psds-microservice/crm-inbox/internal/capture"
	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/realtime"
	"github.com/psds-microservice/crm-inbox/internal/store"
	"github.com/rs/zerolog"
)

// API is the REST boundary a session talks to; *apiclient.Client
// implements it.
type API interface {
	store.MessageAPI
	store.TicketAPI
	store.Uploader
	SetToken(token string)
}

type SessionDeps struct {
	API       API
	Transport realtime.Transport
	// Microphone and Encoder are optional; without them the session has
	// no recorder.
	Microphone capture.Microphone
	Encoder    capture.Encoder
	Clock      clock.Clock
	Logger     zerolog.Logger
	// OnEvent, if set, observes every push after the stores applied it.
	OnEvent func(events.Event)

	MessagePageSize int
	TicketPageSize  int
}

// Session is the composition layer of one login: it owns both stores,
// the recorder and the push connection, and routes push events into
// the stores. A new Session is created per login.
type Session struct {
	api      API
	tickets  *store.TicketStore
	messages *store.MessageStore
	recorder *capture.Machine
	bridge   *realtime.Bridge
	onEvent  func(events.Event)
	logger   zerolog.Logger
}

func NewSession(d SessionDeps) *Session {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &Session{api: d.API, onEvent: d.OnEvent, logger: d.Logger}
	s.tickets = store.NewTicketStore(d.API,
		store.WithTicketPageSize(d.TicketPageSize),
		store.WithTicketLogger(d.Logger))
	s.messages = store.NewMessageStore(d.API, d.API,
		store.WithMessagePageSize(d.MessagePageSize),
		store.WithMessageClock(d.Clock),
		store.WithMessageLogger(d.Logger))
	if d.Microphone != nil && d.Encoder != nil {
		s.recorder = capture.NewMachine(d.Microphone, d.Encoder,
			capture.WithClock(d.Clock),
			capture.WithLogger(d.Logger))
	}
	if d.Transport != nil {
		s.bridge = realtime.NewBridge(d.Transport, s, realtime.WithLogger(d.Logger))
	}
	return s
}

func (s *Session) Tickets() *store.TicketStore   { return s.tickets }
func (s *Session) Messages() *store.MessageStore { return s.messages }

// Recorder is nil when the session was built without an input device.
func (s *Session) Recorder() *capture.Machine { return s.recorder }

// Login authenticates the REST client, opens the push connection and
// loads the first ticket page. A previous login's connection is
// replaced.
func (s *Session) Login(ctx context.Context, token string) error {
	s.api.SetToken(token)
	if s.bridge != nil {
		if err := s.bridge.Connect(ctx, token); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	if err := s.tickets.FetchTickets(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Logout tears down the push connection and forgets the conversation
// and the ticket list.
func (s *Session) Logout() error {
	var err error
	if s.bridge != nil {
		err = s.bridge.Close()
	}
	s.Deselect()
	s.tickets.Reset()
	s.api.SetToken("")
	return err
}

// HandleEvent routes a push event to the store that owns it.
func (s *Session) HandleEvent(e events.Event) {
	switch {
	case e.Message != nil:
		if !s.messages.Ingest(*e.Message) {
			s.logger.Debug().Int64("message_id", e.Message.ID).Int64("ticket_id", e.Message.TicketID).Msg("session: message not ingested")
		}
	case e.Ack != nil:
		s.messages.UpdateAck(e.Ack.MessageID, e.Ack.Ack)
	case e.Ticket != nil:
		s.tickets.UpdateTicket(*e.Ticket)
	}
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// SelectTicket makes t the selected ticket and loads its history.
// Switching to another ticket discards any recording in progress.
// Unread messages are acknowledged on a best-effort basis.
func (s *Session) SelectTicket(ctx context.Context, t *model.Ticket) error {
	if t == nil {
		s.Deselect()
		return nil
	}
	if prev := s.tickets.Selected(); prev != nil && prev.ID != t.ID && s.recorder != nil {
		s.recorder.Close()
	}
	s.tickets.SelectTicket(t)
	if err := s.messages.LoadHistory(ctx, t.ID); err != nil {
		return err
	}
	if t.UnreadMessages > 0 {
		if err := s.messages.MarkRead(ctx, t.ID); err != nil {
			s.logger.Warn().Err(err).Int64("ticket_id", t.ID).Msg("session: mark read failed")
		}
	}
	return nil
}

// SelectTicketByID looks the ticket up in the current list.
func (s *Session) SelectTicketByID(ctx context.Context, id int64) error {
	for _, t := range s.tickets.Tickets() {
		if t.ID == id {
			return s.SelectTicket(ctx, t)
		}
	}
	return fmt.Errorf("select ticket %d: %w", id, errs.ErrTicketNotFound)
}

// Deselect clears the selection and resets the conversation so late
// responses and pushes for it are dropped.
func (s *Session) Deselect() {
	s.tickets.ClearSelection()
	s.messages.Reset()
	if s.recorder != nil {
		s.recorder.Close()
	}
}

// LoadOlder pages further back in the selected conversation.
func (s *Session) LoadOlder(ctx context.Context) error {
	t := s.tickets.Selected()
	if t == nil {
		return errs.ErrNoTicketSelected
	}
	return s.messages.LoadOlderPage(ctx, t.ID)
}

// SendText sends body to the selected ticket.
func (s *Session) SendText(ctx context.Context, body string) (model.Message, error) {
	t := s.tickets.Selected()
	if t == nil {
		return model.Message{}, errs.ErrNoTicketSelected
	}
	if strings.TrimSpace(body) == "" {
		return model.Message{}, errs.ErrEmptyMessage
	}
	return s.messages.Send(ctx, t.ID, body, nil)
}

// SendRecording uploads the finished recording to the selected ticket.
// The recording is discarded only once the message is sent, so a
// failed send can be retried.
func (s *Session) SendRecording(ctx context.Context) (model.Message, error) {
	t := s.tickets.Selected()
	if t == nil {
		return model.Message{}, errs.ErrNoTicketSelected
	}
	if s.recorder == nil {
		return model.Message{}, errs.ErrNoRecording
	}
	rec, ok := s.recorder.Recording()
	if !ok {
		return model.Message{}, errs.ErrNoRecording
	}
	msg, err := s.messages.SendAudio(ctx, t.ID, rec.Blob, rec.MimeType, rec.Duration)
	if err != nil {
		return model.Message{}, err
	}
	s.recorder.ResetRecording()
	return msg, nil
}

// Close releases everything the session holds.
func (s *Session) Close() error {
	return s.Logout()
}
