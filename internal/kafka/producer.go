package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Producer mirrors inbox events to a Kafka topic. Failures are logged and
// never block the API.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger zerolog.Logger
}

// NewProducer builds a producer. Without brokers or topic, Publish is a no-op.
func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{logger: logger}
	}
	return &Producer{
		topic:  topic,
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Enabled() bool { return p.writer != nil }

// Publish writes the event envelope keyed by ticket id, so events of one
// ticket share a partition and stay ordered.
func (p *Producer) Publish(ctx context.Context, e events.Event) {
	if p.writer == nil {
		return
	}
	body, err := events.Encode(e)
	if err != nil {
		p.logger.Error().Err(err).Str("type", e.Meta.Type).Msg("kafka: encode event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ticketKey(e), 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Meta.Type)},
			{Key: "event-id", Value: []byte(e.Meta.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn().Err(err).Str("topic", p.topic).Str("type", e.Meta.Type).Msg("kafka: write event")
	}
}

func ticketKey(e events.Event) int64 {
	switch {
	case e.Message != nil:
		return e.Message.TicketID
	case e.Ack != nil:
		return e.Ack.TicketID
	case e.Ticket != nil:
		return e.Ticket.ID
	}
	return 0
}

// Close closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
