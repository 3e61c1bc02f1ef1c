package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/psds-microservice/crm-inbox/internal/kafka"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Republish every ticket as ticket.updated to the Kafka events topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopicEvents == "" {
			return fmt.Errorf("reindex: KAFKA_BROKERS and KAFKA_TOPIC_EVENTS are required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, log)
		defer producer.Close()
		client := newAPIClient()

		sent := 0
		for page := 1; ; page++ {
			res, err := client.ListTickets(ctx, model.TicketQuery{PageNumber: page, Limit: cfg.TicketPageSize})
			if err != nil {
				return fmt.Errorf("reindex: page %d: %w", page, err)
			}
			for _, t := range res.Tickets {
				producer.Publish(ctx, events.TicketUpdated(t, time.Now()))
				sent++
			}
			log.Info().Int("sent", sent).Int("total", res.Count).Msg("reindex: progress")
			if !res.HasMore || len(res.Tickets) == 0 {
				break
			}
		}
		log.Info().Int("sent", sent).Str("topic", cfg.KafkaTopicEvents).Msg("reindex: done")
		return nil
	},
}
