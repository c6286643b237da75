package events

import "sync"

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// NopBus drops every message. Used when no bus provider is configured.
type NopBus struct{}

func (NopBus) Publish(string, []byte) error { return nil }

type Message struct {
	Topic string
	Data  []byte
}

// MemoryBus keeps published messages in order.
type MemoryBus struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (b *MemoryBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, Message{Topic: topic, Data: append([]byte(nil), data...)})
	return nil
}

// FailWith makes subsequent publishes return err; nil restores delivery.
func (b *MemoryBus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}

// Topics lists the topics of all messages, oldest first.
func (b *MemoryBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Topic
	}
	return out
}
