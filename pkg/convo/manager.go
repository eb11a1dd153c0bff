// Package convo tracks live team conversations: one record per top-level
// user message routed to a team, covering every internal follow-up until the
// aggregated response goes out.
package convo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/logx"
	"switchboard/pkg/metrics"
	"switchboard/pkg/proto"
	"switchboard/pkg/queue"
	"switchboard/pkg/routing"
)

// LongResponseNote is appended when a response body is truncated and the
// full text is attached as a file.
const LongResponseNote = "\n\n[Full response attached as file]"

const stepSeparator = "\n\n------\n\n"

// Step is one completed agent turn.
type Step struct {
	AgentID string
	Text    string
}

// Conversation is the live state for one team-routed user message. All
// mutation happens under mu; the manager's operations take it internally.
type Conversation struct {
	ID              string
	Channel         string
	Sender          string
	SenderID        string
	MessageID       string
	OriginalMessage string

	TeamID string
	Team   config.TeamConfig

	Pending         int
	Steps           []Step
	Files           []string
	TotalMessages   int
	MaxMessages     int
	StartTime       time.Time
	Completed       bool
	PipelineStep    int
	PipelineLoops   int
	CompletedAgents map[string]bool

	mu sync.Mutex
}

// Origin carries the external message fields a conversation answers.
type Origin struct {
	MessageID string
	Channel   string
	Sender    string
	SenderID  string
	Body      string
	Files     []string
}

// Manager owns the conversation map.
type Manager struct {
	store  *queue.Store
	events *bus.Bus
	logger *logx.Logger

	maxMessages       int
	longResponseChars int
	outputDir         string

	mu    sync.Mutex
	convs map[string]*Conversation
}

// Options tunes conversation limits; zero values take the configured
// defaults.
type Options struct {
	MaxMessages       int
	LongResponseChars int
	OutputDir         string
}

func NewManager(store *queue.Store, events *bus.Bus, opts Options) *Manager {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = config.DefaultMaxConvMessages
	}
	if opts.LongResponseChars <= 0 {
		opts.LongResponseChars = config.DefaultLongResponseChars
	}
	if opts.OutputDir == "" {
		opts.OutputDir = config.DefaultWorkspace
	}
	return &Manager{
		store:             store,
		events:            events,
		logger:            logx.NewLogger("convo"),
		maxMessages:       opts.MaxMessages,
		longResponseChars: opts.LongResponseChars,
		outputDir:         opts.OutputDir,
		convs:             make(map[string]*Conversation),
	}
}

func (m *Manager) publish(ev proto.Event) {
	if m.events != nil {
		m.events.Publish(ev)
	}
}

// Start creates a conversation for a team-routed external message with one
// pending branch (the leader's turn already in flight).
func (m *Manager) Start(teamID string, team config.TeamConfig, origin Origin) *Conversation {
	conv := &Conversation{
		ID:              proto.NewConversationID(),
		Channel:         origin.Channel,
		Sender:          origin.Sender,
		SenderID:        origin.SenderID,
		MessageID:       origin.MessageID,
		OriginalMessage: origin.Body,
		TeamID:          teamID,
		Team:            team,
		Pending:         1,
		MaxMessages:     m.maxMessages,
		StartTime:       time.Now(),
		CompletedAgents: make(map[string]bool),
		Files:           append([]string(nil), origin.Files...),
	}

	m.mu.Lock()
	m.convs[conv.ID] = conv
	m.mu.Unlock()

	metrics.ConversationsActive.Inc()
	ev := proto.NewEvent(proto.EventTeamChainStart)
	ev.TeamID = teamID
	ev.ConversationID = conv.ID
	ev.MessageID = origin.MessageID
	m.publish(ev)

	m.logger.Info("Started conversation %s for team %s (message %s)", conv.ID, teamID, origin.MessageID)
	return conv
}

// Get returns the live conversation for id.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	return conv, ok
}

// Resume re-materializes a conversation whose process died mid-chain. The
// internal message that triggered the resume is the single pending branch.
func (m *Manager) Resume(id, teamID string, team config.TeamConfig, origin Origin) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.convs[id]; ok {
		return conv
	}
	conv := &Conversation{
		ID:              id,
		Channel:         origin.Channel,
		Sender:          origin.Sender,
		SenderID:        origin.SenderID,
		MessageID:       origin.MessageID,
		OriginalMessage: origin.Body,
		TeamID:          teamID,
		Team:            team,
		Pending:         1,
		MaxMessages:     m.maxMessages,
		StartTime:       time.Now(),
		CompletedAgents: make(map[string]bool),
	}
	m.convs[id] = conv
	metrics.ConversationsActive.Inc()
	m.logger.Warn("Resumed conversation %s for team %s after restart", id, teamID)
	return conv
}

// ActiveCount reports live conversations for the status endpoint.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// PendingTrailer returns the prompt trailer announcing how many other
// branches are still in flight, or "" when this branch is the only one.
func (m *Manager) PendingTrailer(convID string) string {
	conv, ok := m.Get(convID)
	if !ok {
		return ""
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()

	n := conv.Pending - 1
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(
		"\n\n[%d other teammate response(s) are still being processed and will be delivered when ready. Do not re-mention teammates who haven't responded yet.]",
		n,
	)
}

// CompleteStep runs the whole critical section for one finished agent turn:
// record the step, apply pipeline semantics to the agent's mentions, enqueue
// the surviving internal messages, close the branch, and complete the
// conversation when no branches remain.
func (m *Manager) CompleteStep(conv *Conversation, agentID, response string, agents map[string]config.AgentConfig) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.Completed {
		return nil
	}

	// A redelivery after a failed response emission: the branch bookkeeping
	// is already settled, only the emission remains.
	if conv.Pending == 0 && len(conv.Steps) > 0 {
		return m.completeLocked(conv, "done")
	}

	conv.Steps = append(conv.Steps, Step{AgentID: agentID, Text: response})
	conv.TotalMessages++
	conv.CompletedAgents[agentID] = true

	ev := proto.NewEvent(proto.EventChainStepDone)
	ev.AgentID = agentID
	ev.ConversationID = conv.ID
	ev.ResponseLength = len(response)
	m.publish(ev)

	mentions := m.resolveMentions(conv, agentID, response, agents)

	if len(mentions) > 0 && conv.TotalMessages >= conv.MaxMessages {
		m.logger.Warn("Conversation %s hit the %d message cap, dropping %d outgoing mention(s)",
			conv.ID, conv.MaxMessages, len(mentions))
		mentions = nil
	}

	if err := m.enqueueMentions(conv, agentID, mentions); err != nil {
		return err
	}

	if m.completeBranchLocked(conv) {
		return m.completeLocked(conv, "done")
	}
	return nil
}

// resolveMentions applies pipeline semantics to the agent's raw response
// and returns the internal messages to send next.
func (m *Manager) resolveMentions(conv *Conversation, agentID, response string, agents map[string]config.AgentConfig) []routing.Mention {
	pipeline := conv.Team.Pipeline

	if pipeline != nil && pipeline.Strict {
		// Strict mode ignores whatever the agent tried to address and hands
		// the combined context to the next agent in sequence.
		next, ok := routing.GetNextPipelineAgent(pipeline, agentID)
		if !ok || conv.TotalMessages >= conv.MaxMessages {
			if !ok {
				m.publishPipelineEvent(proto.EventPipelineComplete, conv, agentID)
			}
			return nil
		}
		conv.PipelineStep++
		m.publishPipelineEvent(proto.EventPipelineStep, conv, next)

		body := "[Original request]:\n" + conv.OriginalMessage +
			"\n\n[Output from @" + agentID + "]:\n" + response
		return []routing.Mention{{AgentID: next, Message: body}}
	}

	teams := map[string]config.TeamConfig{conv.TeamID: conv.Team}
	raw := routing.ExtractTeammateMentions(response, agentID, conv.TeamID, teams, agents)
	if pipeline == nil {
		return raw
	}

	kept := routing.FilterMentionsForPipeline(raw, pipeline, agentID, conv.PipelineLoops, m.logger)
	for _, mention := range kept {
		if routing.IsPipelineLoopTarget(pipeline, agentID, mention.AgentID, conv.PipelineLoops) {
			conv.PipelineLoops++
			conv.PipelineStep = indexInSequence(pipeline.Sequence, mention.AgentID)
			m.publishPipelineEvent(proto.EventPipelineLoop, conv, mention.AgentID)
		} else {
			conv.PipelineStep++
			m.publishPipelineEvent(proto.EventPipelineStep, conv, mention.AgentID)
		}
	}
	return kept
}

func (m *Manager) publishPipelineEvent(t proto.EventType, conv *Conversation, agentID string) {
	ev := proto.NewEvent(t)
	ev.AgentID = agentID
	ev.TeamID = conv.TeamID
	ev.ConversationID = conv.ID
	ev.Step = conv.PipelineStep
	if conv.Team.Pipeline != nil {
		ev.Total = len(conv.Team.Pipeline.Sequence)
		ev.MaxLoops = conv.Team.Pipeline.MaxLoops
	}
	ev.Loop = conv.PipelineLoops
	m.publish(ev)
}

func (m *Manager) enqueueMentions(conv *Conversation, fromAgent string, mentions []routing.Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	conv.Pending += len(mentions)

	strict := conv.Team.Pipeline != nil && conv.Team.Pipeline.Strict
	for _, mention := range mentions {
		body := mention.Message
		if !strict {
			body = "[From teammate @" + fromAgent + "]:\n" + body
		}
		_, err := m.store.EnqueueMessage(&proto.Message{
			MessageID:      proto.NewMessageID(),
			Channel:        conv.Channel,
			Sender:         conv.Sender,
			SenderID:       conv.SenderID,
			Body:           body,
			Agent:          mention.AgentID,
			ConversationID: conv.ID,
			FromAgent:      fromAgent,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue internal message for %s: %w", mention.AgentID, err)
		}

		ev := proto.NewEvent(proto.EventChainHandoff)
		ev.AgentID = mention.AgentID
		ev.ConversationID = conv.ID
		ev.TeamID = conv.TeamID
		m.publish(ev)
	}
	return nil
}

// completeBranchLocked decrements pending and reports whether the
// conversation is drained. An underflow clamps to zero.
func (m *Manager) completeBranchLocked(conv *Conversation) bool {
	conv.Pending--
	if conv.Pending < 0 {
		m.logger.Warn("Conversation %s pending counter underflowed, clamping", conv.ID)
		conv.Pending = 0
	}
	return conv.Pending == 0
}

// ForceComplete finishes an expired conversation with whatever steps it has.
func (m *Manager) ForceComplete(conv *Conversation) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return m.completeLocked(conv, "timeout")
}

// SweepExpired force-completes conversations older than timeout and returns
// how many were closed.
func (m *Manager) SweepExpired(timeout time.Duration) int {
	m.mu.Lock()
	var expired []*Conversation
	cutoff := time.Now().Add(-timeout)
	for _, conv := range m.convs {
		if conv.StartTime.Before(cutoff) {
			expired = append(expired, conv)
		}
	}
	m.mu.Unlock()

	for _, conv := range expired {
		m.logger.Warn("Conversation %s exceeded %s, force completing", conv.ID, timeout)
		if err := m.ForceComplete(conv); err != nil {
			m.logger.Error("Failed to force complete %s: %v", conv.ID, err)
		}
	}
	return len(expired)
}

// completeLocked aggregates the steps into one outbound response, emits it,
// and removes the conversation. The Completed flag is set only once the
// response row is durably written, so a failed emission stays retryable.
func (m *Manager) completeLocked(conv *Conversation, reason string) error {
	if conv.Completed {
		return nil
	}

	var text string
	switch len(conv.Steps) {
	case 0:
		text = ""
	case 1:
		text = conv.Steps[0].Text
	default:
		parts := make([]string, len(conv.Steps))
		for i, step := range conv.Steps {
			parts[i] = "@" + step.AgentID + ": " + step.Text
		}
		text = strings.Join(parts, stepSeparator)
	}
	text = strings.TrimSpace(routing.StripMentionTags(text))

	body, files, err := PrepareOutbound(text, conv.Files, m.longResponseChars, m.outputDir, conv.ID)
	if err != nil {
		m.logger.Error("Failed to prepare outbound for %s: %v", conv.ID, err)
		body, files = text, conv.Files
	}

	if _, err := m.store.EnqueueResponse(&proto.Response{
		MessageID:       conv.MessageID,
		Channel:         conv.Channel,
		Sender:          conv.Sender,
		SenderID:        conv.SenderID,
		Body:            body,
		OriginalMessage: conv.OriginalMessage,
		Agent:           conv.Team.Leader,
		Files:           files,
	}); err != nil {
		// The conversation stays live so the dispatcher's retry (or the next
		// sweep) re-attempts the emission.
		return fmt.Errorf("failed to emit response for conversation %s: %w", conv.ID, err)
	}
	conv.Completed = true

	ev := proto.NewEvent(proto.EventResponseReady)
	ev.ConversationID = conv.ID
	ev.MessageID = conv.MessageID
	ev.TeamID = conv.TeamID
	ev.ResponseLength = len(body)
	m.publish(ev)

	endEv := proto.NewEvent(proto.EventTeamChainEnd)
	endEv.ConversationID = conv.ID
	endEv.TeamID = conv.TeamID
	endEv.Total = conv.TotalMessages
	m.publish(endEv)

	m.mu.Lock()
	delete(m.convs, conv.ID)
	m.mu.Unlock()
	metrics.ConversationsActive.Dec()
	metrics.ConversationsCompleted.WithLabelValues(reason).Inc()

	m.logger.Info("Conversation %s completed: %d step(s), %d char response", conv.ID, len(conv.Steps), len(body))
	return nil
}

// PrepareOutbound applies outbound response post-processing shared by team
// conversations and single-agent replies: "[send_file: PATH]" promotion
// (existing files only) and long-response spill to a file.
func PrepareOutbound(text string, files []string, longThreshold int, outputDir, id string) (string, []string, error) {
	cleaned, paths := routing.ExtractSendFiles(text)
	out := append([]string(nil), files...)
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}

	if longThreshold > 0 && len(cleaned) > longThreshold {
		dir := filepath.Join(outputDir, "responses")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return cleaned, out, fmt.Errorf("failed to create response dir: %w", err)
		}
		path := filepath.Join(dir, id+".txt")
		if err := os.WriteFile(path, []byte(cleaned), 0644); err != nil {
			return cleaned, out, fmt.Errorf("failed to write long response: %w", err)
		}
		// Back off to a rune boundary so the truncated body stays valid UTF-8.
		cut := longThreshold
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut] + LongResponseNote
		out = append(out, path)
	}
	return cleaned, out, nil
}

func indexInSequence(seq []string, id string) int {
	for i, v := range seq {
		if v == id {
			return i
		}
	}
	return 0
}
