// Package mqttpub publishes sandbox events to an MQTT broker, one
// topic per tenant.
package mqttpub

import (
	"context"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/rs/zerolog"
)

const publishTimeout = 3 * time.Second

type Config struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

type Publisher struct {
	client mqtt.Client
	prefix string
	logger zerolog.Logger
}

// Connect dials the broker with paho's auto-reconnect on.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "crm-inbox-sandbox"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("mqtt: connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info().Str("broker", cfg.BrokerURL).Str("client_id", cfg.ClientID).Msg("mqtt: connected")
		})
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect: timeout")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Publisher{client: c, prefix: cfg.TopicPrefix, logger: logger}, nil
}

// Publish implements events.Publisher. Events are skipped while the
// client is disconnected.
func (p *Publisher) Publish(ctx context.Context, e events.Event) {
	if p == nil || p.client == nil || !p.client.IsConnected() {
		return
	}
	body, err := events.Encode(e)
	if err != nil {
		p.logger.Error().Err(err).Str("type", e.Meta.Type).Msg("mqtt: encode event")
		return
	}
	if e.Meta.TenantID == 0 {
		p.logger.Warn().Str("type", e.Meta.Type).Msg("mqtt: event without tenant skipped")
		return
	}
	topic := events.Topic(p.prefix, e.Meta.TenantID)
	tok := p.client.Publish(topic, 1, false, body)
	if !tok.WaitTimeout(publishTimeout) {
		p.logger.Warn().Str("topic", topic).Msg("mqtt: publish timeout")
		return
	}
	if err := tok.Error(); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: publish")
	}
}

func (p *Publisher) Close() {
	if p != nil && p.client != nil {
		p.client.Disconnect(250)
	}
}
