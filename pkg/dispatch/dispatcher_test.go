package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/convo"
	"switchboard/pkg/invoker"
	"switchboard/pkg/proto"
	"switchboard/pkg/queue"
)

// scriptedInvoker replays queued responses per agent id and records every
// invocation.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses map[string][]string
	delay     time.Duration

	prompts map[string][]string
	resets  map[string][]bool
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		responses: make(map[string][]string),
		prompts:   make(map[string][]string),
		resets:    make(map[string][]bool),
	}
}

func (s *scriptedInvoker) script(agentID string, responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[agentID] = append(s.responses[agentID], responses...)
}

func (s *scriptedInvoker) Invoke(ctx context.Context, agent config.AgentConfig, prompt, workingDir string, reset bool) (string, error) {
	s.mu.Lock()
	s.prompts[agent.ID] = append(s.prompts[agent.ID], prompt)
	s.resets[agent.ID] = append(s.resets[agent.ID], reset)
	queued := s.responses[agent.ID]
	var response string
	var ok bool
	if len(queued) > 0 {
		response, s.responses[agent.ID], ok = queued[0], queued[1:], true
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", fmt.Errorf("no scripted response for %s", agent.ID)
	}
	return response, nil
}

func (s *scriptedInvoker) promptsFor(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[agentID]...)
}

type harness struct {
	store  *queue.Store
	cfg    *config.Provider
	convos *convo.Manager
	inv    *scriptedInvoker
	disp   *Dispatcher
}

func newHarness(t *testing.T, doc config.Document) *harness {
	t.Helper()

	workspace := t.TempDir()
	doc.Settings.Workspace = workspace

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.NewProvider(cfgPath)

	db, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	events := bus.New()
	t.Cleanup(events.Close)

	store := queue.NewStore(db, 5, events)
	inv := newScriptedInvoker()
	convos := convo.NewManager(store, events, convo.Options{OutputDir: workspace})
	disp := New(store, cfg, convos, inv, events, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		disp.Stop()
	})

	return &harness{store: store, cfg: cfg, convos: convos, inv: inv, disp: disp}
}

func (h *harness) enqueue(t *testing.T, channel, body, agent string) string {
	t.Helper()
	id := proto.NewMessageID()
	if _, err := h.store.EnqueueMessage(&proto.Message{
		MessageID: id,
		Channel:   channel,
		Sender:    "user",
		Body:      body,
		Agent:     agent,
	}); err != nil {
		t.Fatalf("EnqueueMessage failed: %v", err)
	}
	return id
}

func (h *harness) waitResponses(t *testing.T, channel string, n int) []*proto.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		responses, err := h.store.PendingResponses(channel)
		if err != nil {
			t.Fatalf("PendingResponses failed: %v", err)
		}
		if len(responses) >= n {
			return responses
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d response(s) on %s", n, channel)
	return nil
}

func singleAgentDoc() config.Document {
	return config.Document{
		Agents: map[string]config.AgentConfig{
			"coder": {ID: "coder", Provider: "mock"},
		},
	}
}

func pipelineDoc(strict bool, maxLoops int) config.Document {
	return config.Document{
		Agents: map[string]config.AgentConfig{
			"po":       {ID: "po", Provider: "mock"},
			"coder":    {ID: "coder", Provider: "mock"},
			"reviewer": {ID: "reviewer", Provider: "mock"},
		},
		Teams: map[string]config.TeamConfig{
			"dev": {
				ID:      "dev",
				Members: []string{"po", "coder", "reviewer"},
				Leader:  "po",
				Pipeline: &config.PipelineConfig{
					Sequence: []string{"po", "coder", "reviewer"},
					Strict:   strict,
					MaxLoops: maxLoops,
				},
			},
		},
	}
}

func TestSingleAgentMessage(t *testing.T) {
	h := newHarness(t, singleAgentDoc())
	h.inv.script("coder", "done")

	msgID := h.enqueue(t, "cli", "@coder fix bug", "")
	responses := h.waitResponses(t, "cli", 1)

	resp := responses[0]
	if resp.Body != "done" || resp.Agent != "coder" || resp.MessageID != msgID {
		t.Errorf("response = %+v", resp)
	}
	if h.convos.ActiveCount() != 0 {
		t.Error("single-agent message created a conversation")
	}

	prompts := h.inv.promptsFor("coder")
	if len(prompts) != 1 || prompts[0] != "fix bug" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestStrictPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, pipelineDoc(true, 0))
	h.inv.script("po", "story")
	h.inv.script("coder", "impl")
	h.inv.script("reviewer", "approved")

	h.enqueue(t, "web", "@dev build feature X", "")
	responses := h.waitResponses(t, "web", 1)

	body := responses[0].Body
	for _, section := range []string{"@po: story", "@coder: impl", "@reviewer: approved"} {
		if !strings.Contains(body, section) {
			t.Errorf("aggregate missing %q: %q", section, body)
		}
	}
	if !strings.Contains(body, "------") {
		t.Errorf("aggregate missing separator: %q", body)
	}

	coderPrompts := h.inv.promptsFor("coder")
	if len(coderPrompts) != 1 {
		t.Fatalf("coder invoked %d times", len(coderPrompts))
	}
	if !strings.Contains(coderPrompts[0], "[Original request]:\nbuild feature X") ||
		!strings.Contains(coderPrompts[0], "[Output from @po]:\nstory") {
		t.Errorf("coder prompt = %q", coderPrompts[0])
	}
	reviewerPrompts := h.inv.promptsFor("reviewer")
	if len(reviewerPrompts) != 1 || !strings.Contains(reviewerPrompts[0], "[Output from @coder]:\nimpl") {
		t.Errorf("reviewer prompts = %v", reviewerPrompts)
	}
}

func TestNonStrictLoopBackEndToEnd(t *testing.T) {
	h := newHarness(t, pipelineDoc(false, 2))
	h.inv.script("po", "[@coder: implement]")
	h.inv.script("coder", "[@reviewer: review PR]", "[@reviewer: fixed]")
	h.inv.script("reviewer", "[@coder: needs tests]", "approved")

	h.enqueue(t, "web", "@dev build feature X", "")
	responses := h.waitResponses(t, "web", 1)

	body := responses[0].Body
	if got := strings.Count(body, "------"); got != 4 {
		t.Errorf("aggregate has %d separators, want 4 (five steps): %q", got, body)
	}
	if len(h.inv.promptsFor("coder")) != 2 || len(h.inv.promptsFor("reviewer")) != 2 {
		t.Errorf("invocations: coder=%d reviewer=%d",
			len(h.inv.promptsFor("coder")), len(h.inv.promptsFor("reviewer")))
	}
}

func TestPipelineBlocksSkippingEndToEnd(t *testing.T) {
	h := newHarness(t, pipelineDoc(false, 2))
	h.inv.script("po", "[@reviewer: skip coder]")

	h.enqueue(t, "web", "@dev do it", "")
	h.waitResponses(t, "web", 1)

	if n := len(h.inv.promptsFor("reviewer")); n != 0 {
		t.Errorf("reviewer invoked %d times despite the filter", n)
	}
	if n := len(h.inv.promptsFor("coder")); n != 0 {
		t.Errorf("coder invoked %d times", n)
	}
}

func TestLongResponsePromotedToFile(t *testing.T) {
	h := newHarness(t, singleAgentDoc())
	long := strings.Repeat("x", 5000)
	h.inv.script("coder", long)

	h.enqueue(t, "cli", "@coder report", "")
	responses := h.waitResponses(t, "cli", 1)

	resp := responses[0]
	if len(resp.Body) != 4000+len(convo.LongResponseNote) {
		t.Errorf("body length = %d", len(resp.Body))
	}
	if len(resp.Files) != 1 {
		t.Fatalf("files = %v", resp.Files)
	}
	data, err := os.ReadFile(resp.Files[0])
	if err != nil {
		t.Fatalf("reading spilled file: %v", err)
	}
	if len(data) != 5000 {
		t.Errorf("spilled file holds %d chars, want 5000", len(data))
	}
}

func TestInvokerFailureYieldsApology(t *testing.T) {
	h := newHarness(t, singleAgentDoc())
	// Nothing scripted: the invoker errors on the first call.

	h.enqueue(t, "cli", "@coder explode", "")
	responses := h.waitResponses(t, "cli", 1)

	if responses[0].Body != invoker.Apology {
		t.Errorf("body = %q, want the apology text", responses[0].Body)
	}

	// The message completed rather than retrying.
	counts, err := h.store.Status()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Pending != 0 || counts.Dead != 0 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestResetFlagConsumed(t *testing.T) {
	h := newHarness(t, singleAgentDoc())
	h.inv.script("coder", "fresh", "warm")

	workingDir := h.cfg.Snapshot().Agents["coder"].WorkingDir
	if err := os.MkdirAll(workingDir, 0755); err != nil {
		t.Fatal(err)
	}
	flag := filepath.Join(workingDir, "reset_flag")
	if err := os.WriteFile(flag, nil, 0644); err != nil {
		t.Fatal(err)
	}

	h.enqueue(t, "cli", "@coder first", "")
	h.waitResponses(t, "cli", 1)
	h.enqueue(t, "cli", "@coder second", "")
	h.waitResponses(t, "cli", 2)

	h.inv.mu.Lock()
	resets := append([]bool(nil), h.inv.resets["coder"]...)
	h.inv.mu.Unlock()
	if len(resets) != 2 || !resets[0] || resets[1] {
		t.Errorf("resets = %v, want [true false]", resets)
	}
	if _, err := os.Stat(flag); !os.IsNotExist(err) {
		t.Error("reset flag file not removed")
	}
}

func TestUnknownAgentFallsBackToDefault(t *testing.T) {
	doc := config.Document{
		Agents: map[string]config.AgentConfig{
			"default": {ID: "default", Provider: "mock"},
		},
	}
	h := newHarness(t, doc)
	h.inv.script("default", "handled")

	h.enqueue(t, "cli", "@nobody hello", "")
	responses := h.waitResponses(t, "cli", 1)
	if responses[0].Agent != "default" {
		t.Errorf("agent = %q", responses[0].Agent)
	}
	// The unmatched token stays in the prompt.
	prompts := h.inv.promptsFor("default")
	if len(prompts) != 1 || prompts[0] != "@nobody hello" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestNoAgentsDeadLetters(t *testing.T) {
	h := newHarness(t, config.Document{})

	h.enqueue(t, "cli", "hello", "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dead, err := h.store.DeadMessages(1)
		if err != nil {
			t.Fatal(err)
		}
		if len(dead) == 1 {
			if !strings.Contains(dead[0].LastError, "No agents configured") {
				t.Errorf("lastError = %q", dead[0].LastError)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message was not dead-lettered")
}

func TestFIFOPerAgentParallelAcrossAgents(t *testing.T) {
	doc := config.Document{
		Agents: map[string]config.AgentConfig{
			"alpha": {ID: "alpha", Provider: "mock"},
			"beta":  {ID: "beta", Provider: "mock"},
		},
	}
	h := newHarness(t, doc)
	h.inv.delay = 20 * time.Millisecond

	const perAgent = 5
	for i := 0; i < perAgent; i++ {
		h.inv.script("alpha", fmt.Sprintf("a%d", i))
		h.inv.script("beta", fmt.Sprintf("b%d", i))
	}

	start := time.Now()
	for i := 0; i < perAgent; i++ {
		h.enqueue(t, "chA", fmt.Sprintf("message %d", i), "alpha")
		h.enqueue(t, "chB", fmt.Sprintf("message %d", i), "beta")
	}
	aResponses := h.waitResponses(t, "chA", perAgent)
	bResponses := h.waitResponses(t, "chB", perAgent)
	elapsed := time.Since(start)

	for i, resp := range aResponses {
		if want := fmt.Sprintf("a%d", i); resp.Body != want {
			t.Errorf("alpha response %d = %q, want %q", i, resp.Body, want)
		}
	}
	for i, resp := range bResponses {
		if want := fmt.Sprintf("b%d", i); resp.Body != want {
			t.Errorf("beta response %d = %q, want %q", i, resp.Body, want)
		}
	}

	// Serial execution of both chains would need at least 200ms; the two
	// agents must overlap.
	if elapsed > 180*time.Millisecond {
		t.Errorf("elapsed = %s, chains did not run concurrently", elapsed)
	}
}

func TestPendingTrailerOnFanOut(t *testing.T) {
	doc := config.Document{
		Agents: map[string]config.AgentConfig{
			"po":       {ID: "po", Provider: "mock"},
			"coder":    {ID: "coder", Provider: "mock"},
			"reviewer": {ID: "reviewer", Provider: "mock"},
		},
		Teams: map[string]config.TeamConfig{
			"dev": {
				ID:      "dev",
				Members: []string{"po", "coder", "reviewer"},
				Leader:  "po",
			},
		},
	}
	h := newHarness(t, doc)
	h.inv.script("po", "[@coder: part one] [@reviewer: part two]")
	h.inv.script("coder", "one done")
	h.inv.script("reviewer", "two done")

	h.enqueue(t, "web", "@dev split the work", "")
	h.waitResponses(t, "web", 1)

	// Whichever branch ran while the other was still pending saw the
	// trailer.
	var sawTrailer bool
	for _, agentID := range []string{"coder", "reviewer"} {
		for _, prompt := range h.inv.promptsFor(agentID) {
			if strings.Contains(prompt, "other teammate response(s) are still being processed") {
				sawTrailer = true
			}
		}
	}
	if !sawTrailer {
		t.Error("no branch prompt carried the pending-teammates trailer")
	}
}
