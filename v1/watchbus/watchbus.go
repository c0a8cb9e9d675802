// Package watchbus carries the lock history event stream to whatever
// notification or presence layer consumes it. The coordinator only emits;
// delivery to end users is the consumer's concern.
//
// Implementations are provided for in-process use, Redis Streams, NATS
// subjects and Kafka topics.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
