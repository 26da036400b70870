// Package memory records job events in process for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-archiver/internal/archive"
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

var _ archive.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
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

// Events returns the job events published to topic, oldest first.
func (p *Publisher) Events(topic string) []archive.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []archive.Event
	for _, msg := range p.messages {
		if msg.Topic != topic {
			continue
		}
		switch ev := msg.Payload.(type) {
		case archive.Event:
			out = append(out, ev)
		case *archive.Event:
			out = append(out, *ev)
		}
	}
	return out
}
