package invoker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

const defaultOllamaModel = "llama3.2"

// OllamaProvider backs agents with a local Ollama runtime.
type OllamaProvider struct {
	client *api.Client
}

func NewOllamaProvider(hostURL string) *OllamaProvider {
	if hostURL == "" {
		hostURL = defaultOllamaHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(defaultOllamaHost)
	}
	return &OllamaProvider{
		client: api.NewClient(parsed, http.DefaultClient),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = defaultOllamaModel
	}

	messages := make([]api.Message, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, turn := range req.Turns {
		messages = append(messages, api.Message{Role: string(turn.Role), Content: turn.Text})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
	}

	var text string
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text += resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}
