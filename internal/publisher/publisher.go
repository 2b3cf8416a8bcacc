// Package publisher defines how lifecycle notifications leave the process.
package publisher

import "context"

// Message is one notification.
type Message struct {
	// OrderingKey groups messages that must be delivered in order.
	OrderingKey string
	Attributes  map[string]string
	// Payload is marshalled to JSON by transports that need bytes.
	Payload any
}

// Publisher delivers messages and returns the transport's message ID.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}
