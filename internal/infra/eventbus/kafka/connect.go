package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/pkg/common/logger"
)

// ConnectEventBus establishes the producer and, when a GroupID is configured,
// the consumer group with exponential backoff. It will retry failed connection
// attempts for up to maxElapsed, starting with 5 second intervals. This covers
// brokers that are still starting when the service boots.
func ConnectEventBus(
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
	maxElapsed time.Duration,
) (*EventBus, error) {
	var eventBus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 5 * time.Second

	saramaCfg := NewSaramaConfig(cfg.ClientID)

	operation := func() error {
		producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		var consumerGroup sarama.ConsumerGroup
		if cfg.GroupID != "" {
			consumerGroup, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
			if err != nil {
				producer.Close()
				return fmt.Errorf("creating consumer group: %w", err)
			}
		}

		eventBus, err = NewEventBus(producer, consumerGroup, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			if consumerGroup != nil {
				consumerGroup.Close()
			}
			return fmt.Errorf("creating event bus: %w", err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn(context.Background(), "Kafka not reachable yet, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, expBackoff, notify); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}

	return eventBus, nil
}
