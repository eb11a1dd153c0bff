package proto

import "time"

// EventType tags a structured event published on the in-process bus.
type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventMessageEnqueued  EventType = "message_enqueued"
	EventAgentRouted      EventType = "agent_routed"
	EventChainStepStart   EventType = "chain_step_start"
	EventChainStepDone    EventType = "chain_step_done"
	EventChainHandoff     EventType = "chain_handoff"
	EventTeamChainStart   EventType = "team_chain_start"
	EventTeamChainEnd     EventType = "team_chain_end"
	EventPipelineStep     EventType = "pipeline_step"
	EventPipelineLoop     EventType = "pipeline_loop"
	EventPipelineComplete EventType = "pipeline_complete"
	EventResponseReady    EventType = "response_ready"
	EventProcessorStart   EventType = "processor_start"
)

// Event is a best-effort notification. Payload fields are set as relevant
// to the event type; consumers must tolerate absent fields.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	AgentID        string `json:"agentId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ResponseLength int    `json:"responseLength,omitempty"`
	ResponseText   string `json:"responseText,omitempty"`
	Step           int    `json:"step,omitempty"`
	Total          int    `json:"total,omitempty"`
	Loop           int    `json:"loop,omitempty"`
	MaxLoops       int    `json:"maxLoops,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}
