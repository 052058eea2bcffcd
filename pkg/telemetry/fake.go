package telemetry

import "sync"

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Fake is an in-memory Publisher for tests.
type Fake struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

// NewFake returns an empty fake publisher.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.messages = append(f.messages, Message{Topic: topic, Payload: cp})
	return nil
}

func (f *Fake) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (f *Fake) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
