package cmd

import (
	"fmt"
	"net/http"

	"github.com/psds-microservice/crm-inbox/internal/apiclient"
	"github.com/psds-microservice/crm-inbox/internal/config"
	"github.com/psds-microservice/crm-inbox/internal/logger"
	"github.com/psds-microservice/crm-inbox/internal/realtime"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config
	log zerolog.Logger

	tokenFlag string
)

var rootCmd = &cobra.Command{
	Use:           "crm-inbox",
	Short:         "Helpdesk inbox client and local sandbox backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if tokenFlag != "" {
			cfg.APIToken = tokenFlag
		}
		log = logger.New(cfg.AppEnv, cfg.LogLevel)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "access token (overrides API_TOKEN)")
	rootCmd.AddCommand(sandboxCmd, ticketsCmd, watchCmd, sendCmd, sendAudioCmd, reindexCmd)
}

func newAPIClient() *apiclient.Client {
	return apiclient.New(cfg.APIURL, cfg.APIToken,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		apiclient.WithLogger(log.With().Str("component", "api").Logger()))
}

func newTransport() (realtime.Transport, error) {
	switch cfg.RealtimeTransport {
	case config.TransportMQTT:
		return realtime.NewMQTTTransport(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, cfg.TenantID), nil
	case config.TransportWebsocket:
		return realtime.NewWebsocketTransport(cfg.SocketURL), nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q", cfg.RealtimeTransport)
}

func requireToken() error {
	if cfg.APIToken == "" {
		return fmt.Errorf("no access token: set API_TOKEN or pass --token")
	}
	return nil
}
