package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider replays scripted responses for tests. Responses are consumed
// per model+prompt lookup order: an exact script for the model is preferred,
// then the catch-all script.
type MockProvider struct {
	mu      sync.Mutex
	scripts map[string][]string
	delay   time.Duration

	// Prompts records every request in arrival order, keyed by model.
	Prompts map[string][]string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		scripts: make(map[string][]string),
		Prompts: make(map[string][]string),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// Script queues responses for a model ("" scripts every model).
func (m *MockProvider) Script(model string, responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[model] = append(m.scripts[model], responses...)
}

// SetDelay makes every completion take d, for concurrency tests.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	prompt := ""
	if len(req.Turns) > 0 {
		prompt = req.Turns[len(req.Turns)-1].Text
	}
	m.Prompts[req.Model] = append(m.Prompts[req.Model], prompt)

	key := req.Model
	if len(m.scripts[key]) == 0 {
		key = ""
	}
	var response string
	var scripted bool
	if queue := m.scripts[key]; len(queue) > 0 {
		response, m.scripts[key] = queue[0], queue[1:]
		scripted = true
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !scripted {
		return "", fmt.Errorf("no scripted response for model %q", req.Model)
	}
	return response, nil
}
