package invoker

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const openaiMaxTokens = 8192

const defaultOpenAIModel = "gpt-5"

// OpenAIProvider backs agents with the OpenAI Responses API.
type OpenAIProvider struct {
	client openai.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	// The Responses API takes a single input string; fold the session into
	// a transcript.
	var sb strings.Builder
	if req.System != "" {
		fmt.Fprintf(&sb, "System: %s\n\n", req.System)
	}
	for _, turn := range req.Turns {
		if turn.Role == RoleAssistant {
			fmt.Fprintf(&sb, "Assistant: %s\n\n", turn.Text)
		} else {
			sb.WriteString(turn.Text)
			sb.WriteString("\n\n")
		}
	}

	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(openaiMaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(strings.TrimSpace(sb.String()))},
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort: shared.ReasoningEffort(req.ReasoningEffort),
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("empty response from openai")
	}

	text := resp.OutputText()
	if text == "" {
		return "", fmt.Errorf("openai returned no output text")
	}
	return text, nil
}
