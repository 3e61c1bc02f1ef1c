package apiclient

import (
	"fmt"

	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

// envelope is the {success, data} wrapper every endpoint answers with.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data"`
	Error   string `json:"error,omitempty"`
}

func (e *envelope[T]) check(ve *errs.ValidationError) {
	if !e.Success {
		reason := "false"
		if e.Error != "" {
			reason = "false: " + e.Error
		}
		ve.Add("success", reason)
	}
	if e.Data == nil {
		ve.Add("data", "missing")
	}
}

type (
	messageListResponse struct{ envelope[model.MessagePage] }
	messageResponse     struct{ envelope[model.Message] }
	ticketListResponse  struct{ envelope[model.TicketPage] }
	uploadResponse      struct{ envelope[model.UploadedMedia] }
	ackResponse         struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
)

func (r *messageListResponse) validate(ticketID int64) error {
	ve := &errs.ValidationError{Endpoint: "GET /messages"}
	r.check(ve)
	if r.Data != nil {
		seen := make(map[int64]struct{}, len(r.Data.Messages))
		for i, m := range r.Data.Messages {
			field := fmt.Sprintf("messages[%d]", i)
			validateMessage(ve, field, m, ticketID)
			if _, dup := seen[m.ID]; dup {
				ve.Add(field+".id", "duplicate within page")
			}
			seen[m.ID] = struct{}{}
		}
		if r.Data.Count < 0 {
			ve.Add("count", "negative")
		}
	}
	return ve.Err()
}

func (r *messageResponse) validate(ticketID int64) error {
	ve := &errs.ValidationError{Endpoint: "POST /messages"}
	r.check(ve)
	if r.Data != nil {
		validateMessage(ve, "data", *r.Data, ticketID)
	}
	return ve.Err()
}

func (r *ticketListResponse) validate() error {
	ve := &errs.ValidationError{Endpoint: "GET /tickets"}
	r.check(ve)
	if r.Data != nil {
		for i, t := range r.Data.Tickets {
			ValidateTicket(ve, fmt.Sprintf("tickets[%d]", i), t)
		}
	}
	return ve.Err()
}

func (r *uploadResponse) validate() error {
	ve := &errs.ValidationError{Endpoint: "POST /media/upload"}
	r.check(ve)
	if r.Data != nil {
		if r.Data.MediaURL == "" {
			ve.Add("mediaUrl", "required")
		}
		if r.Data.MediaType == "" {
			ve.Add("mediaType", "required")
		}
	}
	return ve.Err()
}

func (r *ackResponse) validate() error {
	ve := &errs.ValidationError{Endpoint: "PUT /messages/read"}
	if !r.Success {
		ve.Add("success", "false")
	}
	return ve.Err()
}

// ValidateMessage checks a message delivered outside a request, e.g. a
// push event. ticketID 0 skips the ownership check.
func ValidateMessage(m model.Message, ticketID int64) error {
	ve := &errs.ValidationError{Endpoint: "message"}
	validateMessage(ve, "message", m, ticketID)
	return ve.Err()
}

func validateMessage(ve *errs.ValidationError, field string, m model.Message, ticketID int64) {
	if m.ID <= 0 {
		ve.Add(field+".id", "must be positive")
	}
	if m.TicketID <= 0 {
		ve.Add(field+".ticketId", "must be positive")
	} else if ticketID > 0 && m.TicketID != ticketID {
		ve.Add(field+".ticketId", fmt.Sprintf("belongs to ticket %d, requested %d", m.TicketID, ticketID))
	}
	if m.CreatedAt.IsZero() {
		ve.Add(field+".createdAt", "required")
	}
	if m.Ack < 0 {
		ve.Add(field+".ack", "negative")
	}
}

func ValidateTicket(ve *errs.ValidationError, field string, t model.Ticket) {
	if t.ID <= 0 {
		ve.Add(field+".id", "must be positive")
	}
	if !t.Status.Valid() {
		ve.Add(field+".status", fmt.Sprintf("unknown %q", t.Status))
	}
	if t.UnreadMessages < 0 {
		ve.Add(field+".unreadMessages", "negative")
	}
}
