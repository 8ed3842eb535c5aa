package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/shellctx"
)

const commandSystemPrompt = `You translate natural language into a single shell command.
Reply with exactly one command line and nothing else: no markdown, no
explanation, no backticks. Prefer portable POSIX tools. If the request
cannot be satisfied by one command, reply with the closest safe single
command.`

// OpenAIProvider turns natural language into commands via an
// OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	client   openai.Client
	model    string
	priority int
	log      zerolog.Logger
}

func NewOpenAIProvider(apiKey, baseURL, model string, priority int, log zerolog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if strings.TrimSpace(model) == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIProvider{
		client:   openai.NewClient(opts...),
		model:    model,
		priority: priority,
		log:      log.With().Str("component", "provider-openai").Logger(),
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Priority() int {
	return p.priority
}

func (p *OpenAIProvider) ProcessNaturalLanguage(ctx context.Context, input string, snap shellctx.Snapshot) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(commandSystemPrompt),
			openai.UserMessage(formatRequest(input, snap)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return cleanCommand(resp.Choices[0].Message.Content), nil
}

func formatRequest(input string, snap shellctx.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nShell: %s\nDirectory: %s\n", snap.OS, snap.Shell, snap.Cwd)
	if snap.ProjectType != "" {
		fmt.Fprintf(&b, "Project: %s\n", snap.ProjectType)
	}
	if len(snap.Languages) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(snap.Languages, ", "))
	}
	if snap.Git != nil {
		fmt.Fprintf(&b, "Git branch: %s\n", snap.Git.Branch)
	}
	fmt.Fprintf(&b, "\nRequest: %s", input)
	return b.String()
}

// cleanCommand strips markdown fences and surrounding noise that models add
// despite instructions.
func cleanCommand(raw string) string {
	cmd := strings.TrimSpace(raw)
	if strings.HasPrefix(cmd, "```") {
		cmd = strings.TrimPrefix(cmd, "```")
		if idx := strings.Index(cmd, "\n"); idx >= 0 && !strings.ContainsAny(cmd[:idx], " \t") {
			// Language tag on the fence line.
			cmd = cmd[idx+1:]
		}
		if idx := strings.Index(cmd, "```"); idx >= 0 {
			cmd = cmd[:idx]
		}
	}
	cmd = strings.TrimSpace(cmd)
	if idx := strings.Index(cmd, "\n"); idx >= 0 {
		cmd = strings.TrimSpace(cmd[:idx])
	}
	return strings.Trim(cmd, "`")
}
