package invalidation_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-imagefetch/pkg/invalidation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupConsumerTest creates an in-memory Pub/Sub server with one topic and
// one subscription on it.
func setupConsumerTest(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	t.Cleanup(topic.Stop)

	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, topic
}

func TestGooglePubsubConsumer_ReceiveMessage(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, topic := setupConsumerTest(t, "test-project", "image-invalidations", "imagefetch-sub")

	consumer, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("imagefetch-sub"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })

	// --- Act ---
	payload := []byte("https://img.example.com/cat.png")
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"source": "test-harness"},
	})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	// --- Assert ---
	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, payload, msg.Payload)
		assert.Equal(t, "test-harness", msg.Attributes["source"])
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message from consumer")
	}
}

func TestGooglePubsubConsumer_Stop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, _ := setupConsumerTest(t, "test-project-stop", "topic-stop", "sub-stop")
	consumer, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("sub-stop"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, consumer.Stop(stopCtx))

	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer.Done() channel was not closed after stop")
	}
	_, ok := <-consumer.Messages()
	assert.False(t, ok, "consumer.Messages() channel should be closed")
}

func TestNewGooglePubsubConsumer_MissingSubscription(t *testing.T) {
	client, _ := setupConsumerTest(t, "test-project-missing", "topic-missing", "sub-present")

	_, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("sub-absent"), client, zerolog.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
