// Package events defines the push events exchanged between the inbox
// backend and its clients, and the envelope they travel in.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

const (
	TypeMessageCreated = "message.created"
	TypeMessageUpdated = "message.updated"
	TypeTicketUpdated  = "ticket.updated"
)

type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	TenantID int64     `json:"tenantId"`
}

// Envelope is the wire form of every event.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// AckUpdate carries a new delivery state for a known message.
type AckUpdate struct {
	MessageID int64 `json:"messageId"`
	TicketID  int64 `json:"ticketId"`
	Ack       int   `json:"ack"`
}

// Event is a decoded envelope; exactly one payload field is set,
// according to Meta.Type.
type Event struct {
	Meta    Meta
	Message *model.Message
	Ack     *AckUpdate
	Ticket  *model.Ticket
}

var ErrUnknownType = errors.New("unknown event type")

func newMeta(typ string, tenantID int64, now time.Time) Meta {
	return Meta{ID: uuid.NewString(), Type: typ, Time: now.UTC(), TenantID: tenantID}
}

func MessageCreated(m model.Message, tenantID int64, now time.Time) Event {
	return Event{Meta: newMeta(TypeMessageCreated, tenantID, now), Message: &m}
}

func MessageUpdated(u AckUpdate, tenantID int64, now time.Time) Event {
	return Event{Meta: newMeta(TypeMessageUpdated, tenantID, now), Ack: &u}
}

func TicketUpdated(t model.Ticket, now time.Time) Event {
	return Event{Meta: newMeta(TypeTicketUpdated, t.TenantID, now), Ticket: &t}
}

// Encode marshals e into its envelope.
func Encode(e Event) ([]byte, error) {
	var payload any
	switch e.Meta.Type {
	case TypeMessageCreated:
		payload = e.Message
	case TypeMessageUpdated:
		payload = e.Ack
	case TypeTicketUpdated:
		payload = e.Ticket
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Meta.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", e.Meta.Type, err)
	}
	return json.Marshal(Envelope{Meta: e.Meta, Data: data})
}

// Decode parses an envelope. Unknown types return ErrUnknownType with
// Meta filled in so callers can log and skip.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	e := Event{Meta: env.Meta}
	switch env.Meta.Type {
	case TypeMessageCreated:
		var m model.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return e, fmt.Errorf("decode %s: %w", env.Meta.Type, err)
		}
		if m.ID <= 0 || m.TicketID <= 0 {
			return e, fmt.Errorf("decode %s: missing message or ticket id", env.Meta.Type)
		}
		e.Message = &m
	case TypeMessageUpdated:
		var u AckUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return e, fmt.Errorf("decode %s: %w", env.Meta.Type, err)
		}
		if u.MessageID <= 0 {
			return e, fmt.Errorf("decode %s: missing message id", env.Meta.Type)
		}
		e.Ack = &u
	case TypeTicketUpdated:
		var t model.Ticket
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return e, fmt.Errorf("decode %s: %w", env.Meta.Type, err)
		}
		if t.ID <= 0 {
			return e, fmt.Errorf("decode %s: missing ticket id", env.Meta.Type)
		}
		e.Ticket = &t
	default:
		return e, fmt.Errorf("%w: %q", ErrUnknownType, env.Meta.Type)
	}
	return e, nil
}

// Topic is the MQTT topic events of a tenant are published on. A zero
// tenant yields the single-level wildcard.
func Topic(prefix string, tenantID int64) string {
	tenant := "+"
	if tenantID > 0 {
		tenant = strconv.FormatInt(tenantID, 10)
	}
	return strings.TrimSuffix(prefix, "/") + "/" + tenant + "/events"
}

// Publisher fans events out to connected clients. Publishing is
// best-effort: implementations log failures instead of returning them.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, e Event)

func (f Func) Publish(ctx context.Context, e Event) { f(ctx, e) }
