package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/convo"
	"switchboard/pkg/proto"
	"switchboard/pkg/queue"
)

type testAPI struct {
	server *Server
	store  *queue.Store
	cfg    *config.Provider
	events *bus.Bus
	ts     *httptest.Server
}

func newTestAPI(t *testing.T, doc config.Document) *testAPI {
	t.Helper()

	if doc.Settings.Workspace == "" {
		doc.Settings.Workspace = t.TempDir()
	}
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
	convos := convo.NewManager(store, events, convo.Options{OutputDir: doc.Settings.Workspace})

	server := NewServer(store, cfg, convos, events)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{server: server, store: store, cfg: cfg, events: events, ts: ts}
}

func (a *testAPI) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.ts.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestPostMessageEnqueues(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	resp, body := a.request(t, http.MethodPost, "/api/message", map[string]any{
		"message": "hello there",
		"channel": "web",
		"sender":  "bob",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["ok"] != true || body["messageId"] == "" {
		t.Errorf("body = %v", body)
	}

	msg, err := a.store.ClaimNext(proto.DefaultAgent)
	if err != nil || msg == nil {
		t.Fatalf("claim: %v, %v", msg, err)
	}
	if msg.Body != "[web/bob]: hello there" {
		t.Errorf("stored body = %q, want the channel prefix applied", msg.Body)
	}
}

func TestPostMessageInfersAgent(t *testing.T) {
	a := newTestAPI(t, config.Document{
		Agents: map[string]config.AgentConfig{"coder": {ID: "coder"}},
	})

	a.request(t, http.MethodPost, "/api/message", map[string]any{"message": "@coder fix it"})

	msg, err := a.store.ClaimNext("coder")
	if err != nil || msg == nil {
		t.Fatalf("claim for coder: %v, %v", msg, err)
	}
	if msg.Body != "fix it" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestPostMessageValidation(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	resp, body := a.request(t, http.MethodPost, "/api/message", map[string]any{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestDuplicateMessageIDConflict(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	events, cancel := a.events.Subscribe()
	defer cancel()

	payload := map[string]any{"message": "hello", "messageId": "msg_dup"}
	resp, _ := a.request(t, http.MethodPost, "/api/message", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first post status = %d", resp.StatusCode)
	}

	resp, body := a.request(t, http.MethodPost, "/api/message", payload)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate post status = %d, want 409", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Errorf("body = %v", body)
	}

	// Only the accepted message is announced on the bus.
	time.Sleep(50 * time.Millisecond)
	received := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == proto.EventMessageReceived {
				received++
			}
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Errorf("message_received events = %d, want 1", received)
	}
}

func TestResponseLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	id, err := a.store.EnqueueResponse(&proto.Response{
		MessageID: "msg_1", Channel: "web", Body: "done", Agent: "coder",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, http.MethodGet, "/api/responses/pending?channel=web", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	responses := body["responses"].([]any)
	if len(responses) != 1 {
		t.Fatalf("responses = %v", responses)
	}

	resp, _ = a.request(t, http.MethodPost, fmt.Sprintf("/api/responses/%d/ack", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}

	_, body = a.request(t, http.MethodGet, "/api/responses/pending?channel=web", nil)
	if len(body["responses"].([]any)) != 0 {
		t.Error("acked response still pending")
	}

	resp, _ = a.request(t, http.MethodPost, "/api/responses/99999/ack", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing ack status = %d", resp.StatusCode)
	}
}

func TestQueueStatus(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	if _, err := a.store.EnqueueMessage(&proto.Message{
		MessageID: proto.NewMessageID(), Body: "x", Agent: "coder",
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := a.request(t, http.MethodGet, "/api/queue/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["pending"].(float64) != 1 || body["activeConversations"].(float64) != 0 {
		t.Errorf("body = %v", body)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	if _, err := a.store.EnqueueMessage(&proto.Message{
		MessageID: proto.NewMessageID(), Body: "doomed", Agent: "coder",
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		msg, _ := a.store.ClaimNext("coder")
		if msg == nil {
			t.Fatal("expected claimable message")
		}
		if err := a.store.Fail(msg.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	_, body := a.request(t, http.MethodGet, "/api/queue/dead", nil)
	dead := body["messages"].([]any)
	if len(dead) != 1 {
		t.Fatalf("dead = %v", dead)
	}
	id := int64(dead[0].(map[string]any)["id"].(float64))

	resp, _ := a.request(t, http.MethodPost, fmt.Sprintf("/api/queue/dead/%d/retry", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}

	msg, _ := a.store.ClaimNext("coder")
	if msg == nil || msg.RetryCount != 0 {
		t.Fatalf("retried message = %+v", msg)
	}
	if err := a.store.Fail(msg.ID, "boom again"); err != nil {
		t.Fatal(err)
	}

	// Delete requires the row to be dead again.
	for i := 0; i < 4; i++ {
		m, _ := a.store.ClaimNext("coder")
		if m == nil {
			t.Fatal("expected claimable message")
		}
		if err := a.store.Fail(m.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	resp, _ = a.request(t, http.MethodDelete, fmt.Sprintf("/api/queue/dead/%d", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	_, body = a.request(t, http.MethodGet, "/api/queue/dead", nil)
	if len(body["messages"].([]any)) != 0 {
		t.Error("dead message not deleted")
	}
}

func TestAuthEnforced(t *testing.T) {
	a := newTestAPI(t, config.Document{
		Settings: config.Settings{APIKey: "sekrit", Workspace: t.TempDir()},
	})

	resp, _ := a.request(t, http.MethodGet, "/api/queue/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, a.ts.URL+"/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("bearer status = %d", resp2.StatusCode)
	}

	resp3, _ := a.request(t, http.MethodGet, "/api/queue/status?api_key=sekrit", nil)
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("query key status = %d", resp3.StatusCode)
	}

	// Metrics stay open for scrapers.
	resp4, _ := a.request(t, http.MethodGet, "/metrics", nil)
	if resp4.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp4.StatusCode)
	}
}

func TestConfigCRUD(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	resp, _ := a.request(t, http.MethodPut, "/api/config/agents/coder", map[string]any{
		"provider": "anthropic", "model": "claude-sonnet-4",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put agent status = %d", resp.StatusCode)
	}

	resp, _ = a.request(t, http.MethodPut, "/api/config/teams/dev", map[string]any{
		"members": []string{"coder"}, "leader": "coder",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put team status = %d", resp.StatusCode)
	}

	// A leader outside the member list is rejected.
	resp, _ = a.request(t, http.MethodPut, "/api/config/teams/bad", map[string]any{
		"members": []string{"coder"}, "leader": "ghost",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad team status = %d", resp.StatusCode)
	}

	_, body := a.request(t, http.MethodGet, "/api/config", nil)
	agents := body["agents"].(map[string]any)
	if _, ok := agents["coder"]; !ok {
		t.Errorf("agents = %v", agents)
	}

	resp, _ = a.request(t, http.MethodDelete, "/api/config/agents/coder", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete agent status = %d", resp.StatusCode)
	}
	resp, _ = a.request(t, http.MethodDelete, "/api/config/agents/coder", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d", resp.StatusCode)
	}
}

func TestConfigNeverEchoesAPIKey(t *testing.T) {
	a := newTestAPI(t, config.Document{
		Settings: config.Settings{AuthDisabled: true, APIKey: "sekrit", Workspace: t.TempDir()},
	})

	_, body := a.request(t, http.MethodGet, "/api/config", nil)
	settings := body["settings"].(map[string]any)
	if _, ok := settings["apiKey"]; ok {
		t.Error("config endpoint leaked the api key")
	}
}

func TestResetAgentDropsFlag(t *testing.T) {
	workspace := t.TempDir()
	a := newTestAPI(t, config.Document{
		Agents:   map[string]config.AgentConfig{"coder": {ID: "coder"}},
		Settings: config.Settings{Workspace: workspace},
	})

	resp, _ := a.request(t, http.MethodPost, "/api/agents/coder/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	flag := filepath.Join(workspace, "coder", "reset_flag")
	if _, err := os.Stat(flag); err != nil {
		t.Errorf("reset flag not created: %v", err)
	}

	resp, _ = a.request(t, http.MethodPost, "/api/agents/ghost/reset", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost reset status = %d", resp.StatusCode)
	}
}

func TestLogsEndpoint(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	resp, body := a.request(t, http.MethodGet, "/api/logs?limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := body["logs"]; !ok {
		t.Errorf("body = %v", body)
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, config.Document{})

	req, _ := http.NewRequest(http.MethodGet, a.ts.URL+"/api/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the subscription a moment to register, then publish.
	time.Sleep(50 * time.Millisecond)
	ev := proto.NewEvent(proto.EventAgentRouted)
	ev.AgentID = "coder"
	a.events.Publish(ev)

	reader := bufio.NewReader(resp.Body)
	deadline := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended early: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var got proto.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
				t.Fatalf("bad event json: %v", err)
			}
			if got.Type != proto.EventAgentRouted || got.AgentID != "coder" {
				t.Errorf("event = %+v", got)
			}
			return
		}
	}
}
