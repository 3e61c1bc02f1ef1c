package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/config"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/hub"
	"github.com/psds-microservice/crm-inbox/internal/kafka"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/mqttpub"
	"github.com/psds-microservice/crm-inbox/internal/router"
	"github.com/psds-microservice/crm-inbox/internal/service"
	"github.com/rs/zerolog"
)

// Sandbox is the local in-memory backend: the REST API and websocket,
// with events mirrored to Kafka and MQTT when brokers are set.
type Sandbox struct {
	cfg     *config.Config
	logger  zerolog.Logger
	svc     *service.InboxService
	hub     *hub.Hub
	kafka   *kafka.Producer
	mqtt    *mqttpub.Publisher
	httpSrv *http.Server
}

// NewSandbox builds the service and HTTP server and connects brokers.
// Run starts listening.
func NewSandbox(cfg *config.Config, logger zerolog.Logger) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	s := &Sandbox{cfg: cfg, logger: logger}
	s.hub = hub.New(logger.With().Str("component", "hub").Logger(), s.authenticate)
	s.kafka = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, logger)

	pubs := events.Multi{s.hub, s.kafka}
	if cfg.MQTTBroker != "" {
		mp, err := mqttpub.Connect(mqttpub.Config{
			BrokerURL:   cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID + "-sandbox",
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err != nil {
			_ = s.kafka.Close()
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		s.mqtt = mp
		pubs = append(pubs, mp)
	}

	s.svc = service.NewInboxService(pubs,
		service.WithLogger(logger),
		service.WithTenant(cfg.TenantID),
		service.WithMaxMediaBytes(cfg.MediaMaxBytes),
		service.WithAckDelay(cfg.AckDelay),
	)
	if cfg.SeedDemo {
		if err := seedDemo(context.Background(), s.svc); err != nil {
			s.closeBrokers()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}

	s.httpSrv = &http.Server{
		Addr: cfg.Addr(),
		Handler: router.New(router.Deps{
			Service:       s.svc,
			Hub:           s.hub,
			MaxMediaBytes: cfg.MediaMaxBytes,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Sandbox) Service() *service.InboxService { return s.svc }

// authenticate accepts API_TOKEN, or any non-empty token when it is unset.
func (s *Sandbox) authenticate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	if s.cfg.APIToken != "" && token != s.cfg.APIToken {
		return 0, false
	}
	return s.cfg.TenantID, true
}

// Run serves until ctx is cancelled.
func (s *Sandbox) Run(ctx context.Context) error {
	host := s.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + s.cfg.HTTPPort
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("sandbox listening")
	s.logger.Info().Msgf("  Swagger UI:    %s/swagger", base)
	s.logger.Info().Msgf("  REST API:      %s/api", base)
	s.logger.Info().Msgf("  Socket:        ws://%s:%s/api/socket", host, s.cfg.HTTPPort)
	if s.kafka.Enabled() {
		s.logger.Info().Strs("brokers", s.cfg.KafkaBrokers).Str("topic", s.cfg.KafkaTopicEvents).Msg("  Kafka mirror enabled")
	}
	if s.mqtt != nil {
		s.logger.Info().Str("broker", s.cfg.MQTTBroker).Msg("  MQTT mirror enabled")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	stopHub()
	s.closeBrokers()
	s.logger.Info().Msg("sandbox stopped")
	return runErr
}

func (s *Sandbox) closeBrokers() {
	if err := s.kafka.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("kafka close")
	}
	s.mqtt.Close()
}

// seedDemo fills an empty sandbox with a few tickets.
func seedDemo(ctx context.Context, svc *service.InboxService) error {
	demo := []struct {
		ticket  service.NewTicket
		inbound []string
		reply   string
	}{
		{service.NewTicket{ContactName: "Maria Souza", ContactNumber: "5511987650001"}, []string{"Hi, my order has not arrived", "It was due yesterday"}, ""},
		{service.NewTicket{ContactName: "João Lima", ContactNumber: "5511987650002"}, []string{"Can I change the delivery address?"}, "Sure, send the new address here"},
		{service.NewTicket{ContactName: "Ana Costa", ContactNumber: "5511987650003", Status: model.TicketStatusPending}, []string{"Hello?"}, ""},
		{service.NewTicket{ContactName: "Pedro Alves", ContactNumber: "5511987650004", Status: model.TicketStatusClosed}, []string{"Thanks, all good"}, "Glad to help!"},
	}
	for _, d := range demo {
		t, err := svc.CreateTicket(ctx, d.ticket)
		if err != nil {
			return err
		}
		for _, body := range d.inbound {
			if _, err := svc.ReceiveInbound(ctx, t.ID, model.OutgoingMessage{Body: body}); err != nil {
				return err
			}
		}
		if d.reply != "" {
			if _, err := svc.SendMessage(ctx, t.ID, model.OutgoingMessage{Body: d.reply}); err != nil {
				return err
			}
		}
		if d.ticket.Status == model.TicketStatusClosed {
			if _, err := svc.UpdateStatus(ctx, t.ID, model.TicketStatusClosed); err != nil {
				return err
			}
		}
	}
	return nil
}
