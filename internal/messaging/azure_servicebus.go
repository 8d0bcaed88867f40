package messaging

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/coldwatch/config"
)

// MessageHandler processes one received telemetry message
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage) error

// AzureServiceBus consumes telemetry envelopes from a queue
type AzureServiceBus struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
}

// NewAzureServiceBus creates a new Azure Service Bus consumer
func NewAzureServiceBus(cfg config.AzureConfig) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &AzureServiceBus{
		client:    client,
		receiver:  receiver,
		queueName: cfg.QueueName,
	}, nil
}

// ProcessMessages receives messages in batches and hands each to the handler
// until the context is cancelled. A failed message is abandoned and returned
// to the queue; processing continues with the next one.
func (b *AzureServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := b.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", b.queueName).Msg("Error receiving messages")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			if err := handler(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				// Return the message to the queue
				if abandonErr := b.receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := b.receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the receiver and the client
func (b *AzureServiceBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.receiver != nil {
		if err := b.receiver.Close(ctx); err != nil {
			return err
		}
	}

	if b.client != nil {
		return b.client.Close(ctx)
	}

	return nil
}
