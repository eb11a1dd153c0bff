// Package proto defines the message, response, and event types shared across
// the queue store, dispatcher, conversation manager, and control API.
package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the lifecycle state of a queued message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusDead       MessageStatus = "dead"
)

// ResponseStatus is the delivery state of an outbound response.
type ResponseStatus string

const (
	ResponsePending ResponseStatus = "pending"
	ResponseAcked   ResponseStatus = "acked"
)

// DefaultAgent is the routing target used when a message names no agent.
const DefaultAgent = "default"

// Message is an inbound queue row. External user messages and internal
// agent-to-agent messages share this shape; internal messages carry a
// ConversationID and FromAgent.
type Message struct {
	ID             int64         `json:"id"`
	MessageID      string        `json:"messageId"` // external id, unique
	Channel        string        `json:"channel"`
	Sender         string        `json:"sender"`
	SenderID       string        `json:"senderId,omitempty"`
	Body           string        `json:"message"`
	Files          []string      `json:"files,omitempty"`
	Agent          string        `json:"agent,omitempty"` // target agent; empty routes via @-parsing
	ConversationID string        `json:"conversationId,omitempty"`
	FromAgent      string        `json:"fromAgent,omitempty"`
	Status         MessageStatus `json:"status"`
	RetryCount     int           `json:"retryCount"`
	LastError      string        `json:"lastError,omitempty"`
	ClaimedBy      string        `json:"claimedBy,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// IsInternal reports whether this row was enqueued by the conversation
// manager to hand work between agents.
func (m *Message) IsInternal() bool {
	return m.ConversationID != "" && m.FromAgent != ""
}

// Response is an outbound queue row answering one external message.
type Response struct {
	ID              int64          `json:"id"`
	MessageID       string         `json:"messageId"` // external id of the message answered
	Channel         string         `json:"channel"`
	Sender          string         `json:"sender"`
	SenderID        string         `json:"senderId,omitempty"`
	Body            string         `json:"response"`
	OriginalMessage string         `json:"originalMessage,omitempty"`
	Agent           string         `json:"agent,omitempty"`
	Files           []string       `json:"files,omitempty"`
	Status          ResponseStatus `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	AckedAt         *time.Time     `json:"ackedAt,omitempty"`
}

// NewMessageID generates an external message id.
func NewMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.New().String())
}

// NewConversationID generates a conversation id.
func NewConversationID() string {
	return fmt.Sprintf("conv_%s", uuid.New().String())
}
