package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/psds-microservice/crm-inbox/internal/application"
	"github.com/psds-microservice/crm-inbox/internal/capture"
	"github.com/spf13/cobra"
)

var (
	sendTicket int64
	sendBody   string
	audioFile  string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a text message to a ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		if sendTicket <= 0 {
			return fmt.Errorf("--ticket is required")
		}
		ctx := cmd.Context()
		s := application.NewSession(application.SessionDeps{
			API:             newAPIClient(),
			Logger:          log,
			MessagePageSize: cfg.MessagePageSize,
			TicketPageSize:  cfg.TicketPageSize,
		})
		defer s.Close()
		if err := s.Login(ctx, cfg.APIToken); err != nil {
			return err
		}
		if err := openTicket(ctx, s, sendTicket); err != nil {
			return err
		}
		msg, err := s.SendText(ctx, sendBody)
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	},
}

// sendAudioCmd records from a file through the same capture machine a
// microphone would feed, then uploads the result as a voice message.
var sendAudioCmd = &cobra.Command{
	Use:   "send-audio",
	Short: "Record an audio file as a voice message and send it to a ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		if sendTicket <= 0 || audioFile == "" {
			return fmt.Errorf("--ticket and --file are required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		src := capture.NewFileSource(audioFile, nil)
		s := application.NewSession(application.SessionDeps{
			API:             newAPIClient(),
			Microphone:      src,
			Encoder:         src,
			Logger:          log,
			MessagePageSize: cfg.MessagePageSize,
			TicketPageSize:  cfg.TicketPageSize,
		})
		defer s.Close()
		if err := s.Login(ctx, cfg.APIToken); err != nil {
			return err
		}
		if err := openTicket(ctx, s, sendTicket); err != nil {
			return err
		}

		rec := s.Recorder()
		if err := rec.StartRecording(ctx); err != nil {
			return err
		}
		select {
		case <-src.Done():
		case <-ctx.Done():
			rec.CancelRecording()
			return ctx.Err()
		}
		if err := rec.StopRecording(); err != nil {
			return err
		}
		snap := rec.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %.1fs of %s (%d bytes)\n", snap.Duration, snap.MimeType, snap.Size)

		msg, err := s.SendRecording(ctx)
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	},
}

func init() {
	sendCmd.Flags().Int64Var(&sendTicket, "ticket", 0, "ticket id")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "message text")
	sendAudioCmd.Flags().Int64Var(&sendTicket, "ticket", 0, "ticket id")
	sendAudioCmd.Flags().StringVar(&audioFile, "file", "", "audio file (.webm, .ogg, .m4a, .mp3, .wav)")
}
