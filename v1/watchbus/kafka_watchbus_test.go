package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestKafkaWatchBusWithMocks(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)

	topic := "editlock.events"
	consumer.ExpectConsumePartition(topic, 0, sarama.OffsetNewest).
		YieldMessage(&sarama.ConsumerMessage{Topic: topic, Value: []byte("released")})
	producer.ExpectSendMessageAndSucceed()

	bus := NewKafkaWatchBus(producer, consumer)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "released" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := bus.Publish(ctx, topic, []byte("acquired")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Unwatch(ctx, topic, ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaWatchBusBroker(t *testing.T) {
	addr := os.Getenv("EDITLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("EDITLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := DialKafkaWatchBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	topic := "editlock-test-" + uuid.NewString()
	// Publishing first creates the topic when auto-creation is enabled.
	if err := bus.Publish(ctx, topic, []byte("warmup")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(2 * time.Second)
	if err := bus.Publish(ctx, topic, []byte("acquired")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "acquired" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
