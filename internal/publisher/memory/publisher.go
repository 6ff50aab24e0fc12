// Package memory records published ready events in memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ReadyEvents returns the recorded payloads that are ready events.
func (p *Publisher) ReadyEvents() []newsstand.ReadyEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []newsstand.ReadyEvent
	for _, m := range p.messages {
		switch ev := m.Payload.(type) {
		case newsstand.ReadyEvent:
			out = append(out, ev)
		case *newsstand.ReadyEvent:
			out = append(out, *ev)
		}
	}
	return out
}
