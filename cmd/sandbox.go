package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/psds-microservice/crm-inbox/internal/application"
	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run the in-memory inbox backend (REST, websocket, optional Kafka/MQTT mirrors)",
	RunE: func(cmd *cobra.Command, args []string) error {
		sb, err := application.NewSandbox(cfg, log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return sb.Run(ctx)
	},
}
