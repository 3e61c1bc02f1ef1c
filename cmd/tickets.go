package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/psds-microservice/crm-inbox/internal/application"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/store"
	"github.com/spf13/cobra"
)

var (
	ticketsStatus      string
	ticketsSearch      string
	ticketsInteractive bool
)

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List tickets for a status filter and optional search",
	Long: "List tickets for a status filter and optional search.\n\n" +
		"With --interactive every line read from stdin becomes the search term;\n" +
		"the list is refetched once typing pauses.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		filter, ok := model.ParseFilter(ticketsStatus)
		if !ok {
			return fmt.Errorf("unknown status %q (open, pending, closed, all)", ticketsStatus)
		}
		ctx := cmd.Context()
		s := application.NewSession(application.SessionDeps{
			API:            newAPIClient(),
			Logger:         log,
			TicketPageSize: cfg.TicketPageSize,
		})
		defer s.Close()
		if err := s.Login(ctx, cfg.APIToken); err != nil {
			return err
		}
		if filter != model.FilterOpen {
			if err := s.Tickets().SetFilter(ctx, filter); err != nil {
				return err
			}
		}
		if ticketsSearch != "" {
			if err := s.Tickets().SetSearchParam(ctx, ticketsSearch); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		if err := printTickets(out, s.Tickets().State()); err != nil {
			return err
		}
		if ticketsInteractive {
			return searchLoop(ctx, cmd.InOrStdin(), out, s.Tickets())
		}
		return nil
	},
}

func init() {
	ticketsCmd.Flags().StringVar(&ticketsStatus, "status", "open", "open, pending, closed or all")
	ticketsCmd.Flags().StringVar(&ticketsSearch, "search", "", "search by contact name, number or last message")
	ticketsCmd.Flags().BoolVar(&ticketsInteractive, "interactive", false, "read search terms from stdin")
}

// searchLoop feeds stdin lines through the search debouncer. The last
// term is applied on EOF if the debouncer had not fired yet.
func searchLoop(ctx context.Context, in io.Reader, out io.Writer, tickets *store.TicketStore) error {
	var mu sync.Mutex
	apply := func(term string) {
		mu.Lock()
		defer mu.Unlock()
		if tickets.State().SearchParam == term {
			return
		}
		if err := tickets.SetSearchParam(ctx, term); err != nil {
			log.Warn().Err(err).Str("search", term).Msg("tickets: search failed")
			return
		}
		fmt.Fprintf(out, "\nsearch %q\n", term)
		_ = printTickets(out, tickets.State())
	}
	d := store.NewDebouncer(nil, store.SearchDebounce, apply)

	var last string
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		last = strings.TrimSpace(sc.Text())
		d.Push(last)
	}
	d.Stop()
	apply(last)
	return sc.Err()
}

func printTickets(out io.Writer, st store.TicketState) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCONTACT\tUNREAD\tLAST MESSAGE")
	for _, t := range st.Tickets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", t.ID, t.Status, contactName(t), t.UnreadMessages, t.LastMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	more := ""
	if st.HasMore {
		more = " (more available)"
	}
	fmt.Fprintf(out, "%d of %d tickets%s\n", len(st.Tickets), st.Count, more)
	return nil
}

func contactName(t *model.Ticket) string {
	if t.Contact == nil {
		return "-"
	}
	if t.Contact.Name != "" {
		return t.Contact.Name
	}
	return t.Contact.Number
}
