//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/kafka"
)

func TestKafka_LifecycleEventRoundTrip(t *testing.T) {
	createTopic(t, events.TopicTasks)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() })
	publisher := events.NewPublisher(producer)

	consumer := kafka.NewConsumer(testKafkaBrokers, events.TopicTasks, "integration-test", slog.Default())
	t.Cleanup(func() { consumer.Close() })

	sent := events.Event{
		Type:    events.TaskDeadLettered,
		TaskID:  "task-kafka-1",
		RunID:   "run-kafka-1",
		Attempt: 3,
		Detail:  "retries_exhausted",
	}
	require.NoError(t, publisher.Publish(context.Background(), sent))

	received := make(chan kafka.Message, 1)
	subCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		_ = consumer.Subscribe(subCtx, func(_ context.Context, msg kafka.Message) error {
			received <- msg
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-received:
		assert.Equal(t, "task-kafka-1", string(msg.Key), "events are keyed by task ID")
		var got events.Event
		require.NoError(t, json.Unmarshal(msg.Value, &got))
		assert.Equal(t, events.TaskDeadLettered, got.Type)
		assert.Equal(t, "run-kafka-1", got.RunID)
		assert.Equal(t, 3, got.Attempt)
		assert.False(t, got.At.IsZero(), "publisher stamps the event time")
	case <-subCtx.Done():
		t.Fatal("event not consumed before timeout")
	}
}

func TestKafka_EventsRouteToTopicByType(t *testing.T) {
	createTopic(t, events.TopicDLQ)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() })
	publisher := events.NewPublisher(producer)

	consumer := kafka.NewConsumer(testKafkaBrokers, events.TopicDLQ, "integration-test-dlq", slog.Default())
	t.Cleanup(func() { consumer.Close() })

	require.NoError(t, publisher.Publish(context.Background(), events.Event{
		Type:   events.DLQReplayed,
		TaskID: "task-kafka-2",
		Detail: "replayed as task-kafka-3",
	}))

	received := make(chan kafka.Message, 1)
	subCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		_ = consumer.Subscribe(subCtx, func(_ context.Context, msg kafka.Message) error {
			received <- msg
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-received:
		var got events.Event
		require.NoError(t, json.Unmarshal(msg.Value, &got))
		assert.Equal(t, events.DLQReplayed, got.Type)
	case <-subCtx.Done():
		t.Fatal("DLQ event not consumed before timeout")
	}
}
