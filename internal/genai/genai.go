// Package genai classifies free-text answers with the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ErrNoChoicesReturned is returned when the API answers without any completion choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// noneAnswer is what the model must reply when the text matches no option.
const noneAnswer = "none"

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. Defaults to OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: string(openai.ChatModelGPT4oMini)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// ClassifyChoice asks the model which option the participant's text refers to. It returns the
// option id, or "" when the model answers that none applies.
func (c *Client) ClassifyChoice(ctx context.Context, question string, options []models.ChoiceOption, text string) (string, error) {
	var sb strings.Builder
	sb.WriteString("You map a survey answer written in Spanish to exactly one option id.\n")
	sb.WriteString("Reply with the option id only, or \"" + noneAnswer + "\" if no option clearly applies.\n")
	fmt.Fprintf(&sb, "Question: %s\nOptions:\n", question)
	for _, opt := range options {
		fmt.Fprintf(&sb, "- %s: %s\n", opt.ID, opt.Title)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sb.String()),
			openai.UserMessage(text),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(16),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI ClassifyChoice failed", "error", err)
		return "", fmt.Errorf("choice classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}

	answer := strings.Trim(strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)), "\"'`.")
	if answer == noneAnswer {
		return "", nil
	}
	for _, opt := range options {
		if strings.EqualFold(opt.ID, answer) {
			slog.Debug("GenAI ClassifyChoice matched", "question", question, "option", opt.ID)
			return opt.ID, nil
		}
	}
	slog.Warn("GenAI ClassifyChoice answered an undeclared option", "question", question, "answer", answer)
	return "", nil
}
