package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInternal(t *testing.T) {
	external := Message{MessageID: "msg_1", Body: "hello"}
	assert.False(t, external.IsInternal())

	handoff := Message{ConversationID: "conv_1", FromAgent: "po"}
	assert.True(t, handoff.IsInternal())

	// A conversation id alone is not enough; resumed externals carry one.
	partial := Message{ConversationID: "conv_1"}
	assert.False(t, partial.IsInternal())
}

func TestIDGeneration(t *testing.T) {
	m1, m2 := NewMessageID(), NewMessageID()
	assert.Regexp(t, `^msg_[0-9a-f-]{36}$`, m1)
	assert.NotEqual(t, m1, m2)

	c := NewConversationID()
	assert.Regexp(t, `^conv_[0-9a-f-]{36}$`, c)
}

func TestNewEventStampsTimestamp(t *testing.T) {
	ev := NewEvent(EventResponseReady)
	assert.Equal(t, EventResponseReady, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventJSONOmitsEmptyPayload(t *testing.T) {
	ev := NewEvent(EventPipelineStep)
	ev.AgentID = "coder"
	ev.Step = 2

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "agentId")
	assert.Contains(t, decoded, "step")
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "conversationId")
}

func TestMessageJSONFieldNames(t *testing.T) {
	m := Message{MessageID: "msg_1", Body: "hi", Status: StatusPending}
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "hi", decoded["message"])
	assert.Equal(t, "msg_1", decoded["messageId"])
	assert.Equal(t, "pending", decoded["status"])
}
