// Package invalidation removes images from the cache when their origin
// announces a change over Pub/Sub.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
)

// MessageConsumer is a source of invalidation messages.
type MessageConsumer interface {
	// Messages returns the channel messages are delivered on. It is closed
	// once the consumer has stopped.
	Messages() <-chan types.ConsumedMessage
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// --- Google Cloud Pub/Sub Consumer Implementation ---

// GooglePubsubConsumerConfig holds configuration for the Pub/Sub consumer.
type GooglePubsubConsumerConfig struct {
	ProjectID              string
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	// SubscriptionExistsTimeout bounds the existence check in the constructor.
	SubscriptionExistsTimeout time.Duration
}

// NewGooglePubsubConsumerDefaults provides a config with sensible defaults
// for subID.
func NewGooglePubsubConsumerDefaults(subID string) *GooglePubsubConsumerConfig {
	cfg := &GooglePubsubConsumerConfig{
		SubscriptionID:            subID,
		MaxOutstandingMessages:    100,
		NumGoroutines:             2,
		SubscriptionExistsTimeout: 20 * time.Second,
	}
	if mo := os.Getenv("PUBSUB_CONSUMER_MAX_OUTSTANDING"); mo != "" {
		if val, err := strconv.Atoi(mo); err == nil {
			cfg.MaxOutstandingMessages = val
		}
	}
	if ng := os.Getenv("PUBSUB_CONSUMER_NUM_GOROUTINES"); ng != "" {
		if val, err := strconv.Atoi(ng); err == nil {
			cfg.NumGoroutines = val
		}
	}
	return cfg
}

// GooglePubsubConsumer delivers messages from a Pub/Sub subscription.
type GooglePubsubConsumer struct {
	subscription       *pubsub.Subscription
	logger             zerolog.Logger
	outputChan         chan types.ConsumedMessage
	stopOnce           sync.Once
	mu                 sync.Mutex
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
}

// NewGooglePubsubConsumer checks that the subscription exists and returns a
// consumer ready to Start.
func NewGooglePubsubConsumer(cfg *GooglePubsubConsumerConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubConsumer, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(context.Background(), cfg.SubscriptionExistsTimeout)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &GooglePubsubConsumer{
		subscription: sub,
		logger:       logger.With().Str("component", "GooglePubsubConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:   make(chan types.ConsumedMessage, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages implements MessageConsumer.
func (c *GooglePubsubConsumer) Messages() <-chan types.ConsumedMessage { return c.outputChan }

// Start begins receiving in the background.
func (c *GooglePubsubConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelSubscription = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.doneChan)
		defer close(c.outputChan)
		defer c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")

		err := c.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			consumedMsg := types.ConsumedMessage{
				ID:          msg.ID,
				Payload:     payloadCopy,
				PublishTime: msg.PublishTime,
				Attributes:  msg.Attributes,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}

			select {
			case c.outputChan <- consumedMsg:
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message due to receive context done.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return nil
}

// Stop cancels receiving and waits, bounded by ctx, for the receive
// goroutine to exit.
func (c *GooglePubsubConsumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		c.mu.Lock()
		cancel := c.cancelSubscription
		c.mu.Unlock()
		if cancel == nil {
			// Never started.
			close(c.outputChan)
			close(c.doneChan)
			return
		}
		cancel()
		select {
		case <-c.doneChan:
			c.logger.Info().Msg("Pub/Sub Receive goroutine confirmed stopped.")
		case <-ctx.Done():
			err = fmt.Errorf("timeout waiting for Pub/Sub Receive goroutine to stop: %w", ctx.Err())
			c.logger.Error().Err(err).Msg("Consumer did not stop in time.")
		}
	})
	return err
}

// Done implements MessageConsumer.
func (c *GooglePubsubConsumer) Done() <-chan struct{} { return c.doneChan }
