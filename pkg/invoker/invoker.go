// Package invoker turns prompts into agent responses through the configured
// provider back-ends. The dispatcher treats it as an opaque, fallible
// capability; provider failures surface as errors and the caller substitutes
// the apology text.
package invoker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"switchboard/pkg/config"
	"switchboard/pkg/logx"
	"switchboard/pkg/metrics"
)

// Apology replaces the response when a provider fails; the message still
// completes so the user hears a graceful failure instead of silence.
const Apology = "Sorry, I ran into a problem processing that message. Please try again."

// maxSessionTurns bounds the per-agent history kept between invocations.
const maxSessionTurns = 20

// Role tags one turn of a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange half in an agent session.
type Turn struct {
	Role Role
	Text string
}

// Request is what a provider needs to produce one completion.
type Request struct {
	Model           string
	System          string
	ReasoningEffort string
	Turns           []Turn // alternating, ending with the current user turn
}

// Provider is one back-end (anthropic, openai, ollama, mock).
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Invoker is the capability the dispatcher consumes.
type Invoker interface {
	Invoke(ctx context.Context, agent config.AgentConfig, prompt, workingDir string, reset bool) (string, error)
}

// Registry routes invocations to providers by the agent's provider tag and
// keeps a rolling per-agent session so follow-up turns carry context. A
// reset drops the session before the new turn.
type Registry struct {
	logger    *logx.Logger
	counter   *TokenCounter
	mu        sync.Mutex
	providers map[string]Provider
	sessions  map[string][]Turn
}

func NewRegistry() *Registry {
	return &Registry{
		logger:    logx.NewLogger("invoker"),
		counter:   NewTokenCounter(),
		providers: make(map[string]Provider),
		sessions:  make(map[string][]Turn),
	}
}

// Register installs a provider under its tag, replacing any existing one.
// Used for the built-in back-ends at startup and for mocks in tests.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) provider(tag string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[tag]; ok {
		return p, nil
	}

	p, err := newProvider(tag)
	if err != nil {
		return nil, err
	}
	r.providers[tag] = p
	return p, nil
}

// newProvider constructs a built-in back-end from its tag. Credentials come
// from the secrets store (environment first).
func newProvider(tag string) (Provider, error) {
	switch tag {
	case "anthropic":
		key, err := config.GetSecret("ANTHROPIC_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("anthropic provider unavailable: %w", err)
		}
		return NewAnthropicProvider(key), nil
	case "openai":
		key, err := config.GetSecret("OPENAI_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("openai provider unavailable: %w", err)
		}
		return NewOpenAIProvider(key), nil
	case "ollama":
		host := os.Getenv("OLLAMA_HOST")
		return NewOllamaProvider(host), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", tag)
	}
}

// Invoke runs one agent turn. The session history for agent.ID is included
// and extended; reset starts a fresh session first.
func (r *Registry) Invoke(ctx context.Context, agent config.AgentConfig, prompt, workingDir string, reset bool) (string, error) {
	providerTag := agent.Provider
	if providerTag == "" {
		providerTag = "anthropic"
	}
	p, err := r.provider(providerTag)
	if err != nil {
		return "", err
	}

	system, err := r.systemPrompt(agent, workingDir)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if reset {
		delete(r.sessions, agent.ID)
		r.logger.Info("Reset session for agent %s", agent.ID)
	}
	turns := append(append([]Turn(nil), r.sessions[agent.ID]...), Turn{Role: RoleUser, Text: prompt})
	r.mu.Unlock()

	req := Request{
		Model:           agent.Model,
		System:          system,
		ReasoningEffort: agent.ReasoningEffort,
		Turns:           turns,
	}
	metrics.PromptTokens.WithLabelValues(agent.ID).Add(float64(r.counter.Count(system) + r.counter.Count(prompt)))

	start := time.Now()
	text, err := p.Complete(ctx, req)
	metrics.InvocationDuration.WithLabelValues(agent.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AgentInvocations.WithLabelValues(agent.ID, "error").Inc()
		r.logger.Error("Provider %s failed for agent %s: %v", providerTag, agent.ID, err)
		return "", fmt.Errorf("provider %s: %w", providerTag, err)
	}
	metrics.AgentInvocations.WithLabelValues(agent.ID, "ok").Inc()

	r.mu.Lock()
	session := append(r.sessions[agent.ID], Turn{Role: RoleUser, Text: prompt}, Turn{Role: RoleAssistant, Text: text})
	if len(session) > maxSessionTurns {
		session = session[len(session)-maxSessionTurns:]
	}
	r.sessions[agent.ID] = session
	r.mu.Unlock()

	return text, nil
}

// systemPrompt combines the inline system prompt with the prompt file, if
// configured. A relative prompt file resolves against the working directory.
func (r *Registry) systemPrompt(agent config.AgentConfig, workingDir string) (string, error) {
	parts := make([]string, 0, 2)
	if agent.SystemPrompt != "" {
		parts = append(parts, agent.SystemPrompt)
	}
	if agent.PromptFile != "" {
		path := agent.PromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file for %s: %w", agent.ID, err)
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	}
	return strings.Join(parts, "\n\n"), nil
}
