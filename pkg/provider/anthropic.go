package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"argo/pkg/cierrors"
	"argo/pkg/config"
)

const anthropicMaxTokens = 4096

// Anthropic wraps the official Claude SDK.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds a Claude-backed provider from config.
func NewAnthropic(cfg config.ProviderCfg) (*Anthropic, error) {
	const op = "provider.NewAnthropic"
	if cfg.APIKey == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "api_key is required")
	}
	if cfg.Model == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "model is required")
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

func (a *Anthropic) Name() string  { return "claude" }
func (a *Anthropic) Model() string { return a.model }

// Connect probes the API with a one-token request.
func (a *Anthropic) Connect(ctx context.Context) error {
	const op = "provider.Anthropic.Connect"
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return cierrors.Wrap(cierrors.KindTransport, op, err, "availability probe failed")
	}
	return nil
}

func (a *Anthropic) Query(ctx context.Context, prompt string) (string, error) {
	const op = "provider.Anthropic.Query"
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", cierrors.Wrap(cierrors.KindTransport, op, err, "API call failed")
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", cierrors.New(cierrors.KindProtocol, op, "empty response")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}

// Stream completes the prompt and delivers the result as one chunk.
// True incremental streaming is not wired yet.
func (a *Anthropic) Stream(ctx context.Context, prompt string, fn StreamFn) error {
	out, err := a.Query(ctx, prompt)
	if err != nil {
		return err
	}
	return fn(out)
}

func (a *Anthropic) Close() error { return nil }
