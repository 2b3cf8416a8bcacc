// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/extraction-supervisor/internal/publisher"
)

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Message
	err      error
}

var _ publisher.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records msg and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	msg.Attributes = maps.Clone(msg.Attributes)
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Message, len(p.messages))
	copy(out, p.messages)
	return out
}
