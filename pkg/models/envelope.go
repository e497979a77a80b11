package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageEnvelope is the canonical unit moving between broker adapters and
// the core. Payload is the raw message body; Partition and Offset are set
// only by adapters whose broker has those concepts.
type MessageEnvelope struct {
	MessageID string            `json:"message_id"`
	Topic     string            `json:"topic"`
	Payload   string            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Partition int               `json:"partition,omitempty"`
	Offset    int64             `json:"offset,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message ID and timestamp.
func NewEnvelope(topic, payload string) *MessageEnvelope {
	return &MessageEnvelope{
		MessageID: uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}
