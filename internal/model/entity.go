package model

import (
	"strings"
	"time"
)

type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

func (s TicketStatus) Valid() bool {
	return s == TicketStatusOpen || s == TicketStatusPending || s == TicketStatusClosed
}

// Filter selects the ticket list. FilterAll sends no status parameter.
type Filter string

const (
	FilterOpen    Filter = "open"
	FilterPending Filter = "pending"
	FilterClosed  Filter = "closed"
	FilterAll     Filter = "all"
)

func ParseFilter(s string) (Filter, bool) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case FilterOpen, FilterPending, FilterClosed, FilterAll:
		return f, true
	}
	return "", false
}

// Status returns the status query value, or "" for FilterAll.
func (f Filter) Status() string {
	if f == FilterAll {
		return ""
	}
	return string(f)
}

type Contact struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
}

type Ticket struct {
	ID             int64        `json:"id"`
	Status         TicketStatus `json:"status"`
	LastMessage    string       `json:"lastMessage"`
	LastMessageAt  *time.Time   `json:"lastMessageAt,omitempty"`
	UnreadMessages int          `json:"unreadMessages"`
	ContactID      int64        `json:"contactId"`
	Contact        *Contact     `json:"contact,omitempty"`
	TenantID       int64        `json:"tenantId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AckRead is the delivery-state ordinal from which a message renders as read.
const AckRead = 3

type Message struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticketId"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	Read      bool      `json:"read"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	Ack       int       `json:"ack"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m Message) Seen() bool { return m.Ack >= AckRead }

func (m Message) HasMedia() bool { return m.MediaURL != "" }

// OutgoingMessage is the body of POST /messages/{ticketId}.
type OutgoingMessage struct {
	Body      string `json:"body"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// UploadedMedia is the stable reference returned by the media endpoint.
type UploadedMedia struct {
	MediaURL     string `json:"mediaUrl"`
	MediaType    string `json:"mediaType"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

type MessagePage struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
	HasMore  bool      `json:"hasMore"`
}

type TicketPage struct {
	Tickets []Ticket `json:"tickets"`
	Count   int      `json:"count"`
	HasMore bool     `json:"hasMore"`
}

// TicketQuery is the list request. Empty Status and Search are omitted.
type TicketQuery struct {
	Status     string
	Search     string
	PageNumber int
	Limit      int
}
