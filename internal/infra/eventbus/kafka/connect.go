package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/pkg/common/logger"
)

// ConnectRelay creates a Relay on top of client, retrying producer creation
// with exponential backoff for up to maxElapsed.
func ConnectRelay(
	client sarama.Client,
	topic string,
	maxElapsed time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Relay, error) {
	var relay *Relay

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		relay = NewRelay(producer, topic, logger, tracer)
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect kafka relay after retries: %w", err)
	}
	return relay, nil
}
