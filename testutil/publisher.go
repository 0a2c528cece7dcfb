package testutil

import (
	"sync"
)

// Message is one publish call recorded by RecordingPublisher.
type Message struct {
	Subject string
	Data    []byte
}

// RecordingPublisher records every publish. It satisfies publish.Publisher.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// FailWith makes subsequent publishes return err. A nil err clears it.
func (p *RecordingPublisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message unless a failure is set.
func (p *RecordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns a copy of the recorded messages.
func (p *RecordingPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Subjects returns the subject of every recorded message in order.
func (p *RecordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Subject
	}
	return out
}
