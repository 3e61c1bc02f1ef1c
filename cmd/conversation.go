package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/psds-microservice/crm-inbox/internal/application"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

// openTicket selects id, widening the list to every status when it is
// not among the open tickets.
func openTicket(ctx context.Context, s *application.Session, id int64) error {
	err := s.SelectTicketByID(ctx, id)
	if !errors.Is(err, errs.ErrTicketNotFound) {
		return err
	}
	if err := s.Tickets().SetFilter(ctx, model.FilterAll); err != nil {
		return err
	}
	return s.SelectTicketByID(ctx, id)
}

func printMessage(w io.Writer, m model.Message) {
	who := "contact"
	if m.FromMe {
		who = "me"
	}
	body := m.Body
	if m.HasMedia() {
		body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.MediaType, m.MediaURL, m.Body))
	}
	fmt.Fprintf(w, "%s  #%-6d %-7s %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, who, body, ackMark(m))
}

func ackMark(m model.Message) string {
	if !m.FromMe {
		return ""
	}
	switch {
	case m.Seen():
		return "  ✓✓ read"
	case m.Ack >= 2:
		return "  ✓✓"
	case m.Ack >= 1:
		return "  ✓"
	}
	return "  …"
}
