// Package pubsub carries opaque messages between peers subscribed to the
// same topic.
package pubsub

import "context"

// Handler receives a message published by peer from.
type Handler func(from string, data []byte)

type Transport interface {
	// ID is the local peer identity.
	ID() string
	// Subscribe registers handler for topic. Messages published by the
	// local peer are not delivered back to it.
	Subscribe(topic string, handler Handler) (cancel func(), err error)
	Publish(ctx context.Context, topic string, data []byte) error
	// Peers lists the other peers subscribed to topic.
	Peers(topic string) ([]string, error)
}
