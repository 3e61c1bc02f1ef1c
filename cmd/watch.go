package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/application"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/store"
	"github.com/spf13/cobra"
)

var (
	watchTicket int64
	watchOlder  int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print a ticket's conversation and follow live updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		if watchTicket <= 0 {
			return fmt.Errorf("--ticket is required")
		}
		tr, err := newTransport()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var s *application.Session
		s = application.NewSession(application.SessionDeps{
			API:       newAPIClient(),
			Transport: tr,
			Logger:    log,
			OnEvent: func(e events.Event) {
				switch {
				case e.Message != nil && e.Message.TicketID == s.Messages().ActiveTicketID():
					printMessage(out, *e.Message)
				case e.Ack != nil && e.Ack.TicketID == s.Messages().ActiveTicketID():
					fmt.Fprintf(out, "  message #%d ack=%d\n", e.Ack.MessageID, e.Ack.Ack)
				case e.Ticket != nil:
					fmt.Fprintf(out, "  ticket #%d %s unread=%d\n", e.Ticket.ID, e.Ticket.Status, e.Ticket.UnreadMessages)
				}
			},
			MessagePageSize: cfg.MessagePageSize,
			TicketPageSize:  cfg.TicketPageSize,
		})
		defer s.Close()

		if err := s.Login(ctx, cfg.APIToken); err != nil {
			return err
		}
		if err := openTicket(ctx, s, watchTicket); err != nil {
			return err
		}
		for i := 0; i < watchOlder && s.Messages().State().HasMore; i++ {
			if err := s.LoadOlder(ctx); err != nil {
				return err
			}
		}

		msgs := s.Messages().Messages()
		seps := store.DaySeparators(msgs, time.Local)
		for i, m := range msgs {
			if seps[i] {
				fmt.Fprintf(out, "── %s ──\n", m.CreatedAt.Local().Format("Mon, 02 Jan 2006"))
			}
			printMessage(out, m)
		}
		fmt.Fprintf(out, "watching ticket #%d over %s, Ctrl+C to stop\n", watchTicket, cfg.RealtimeTransport)
		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchTicket, "ticket", 0, "ticket id")
	watchCmd.Flags().IntVar(&watchOlder, "older", 0, "additional older pages to load")
}
