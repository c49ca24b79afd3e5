package provider

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"argo/pkg/cierrors"
	"argo/pkg/config"
)

const openaiMaxOutputTokens = 4096

// OpenAI wraps the official OpenAI Go client over the Responses API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI builds an OpenAI-backed provider from config.
func NewOpenAI(cfg config.ProviderCfg) (*OpenAI, error) {
	const op = "provider.NewOpenAI"
	if cfg.APIKey == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "api_key is required")
	}
	if cfg.Model == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "model is required")
	}
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

func (o *OpenAI) Name() string  { return "openai" }
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	const op = "provider.OpenAI.Query"
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return "", cierrors.Wrap(cierrors.KindTransport, op, err, "API call failed")
	}
	if resp == nil {
		return "", cierrors.New(cierrors.KindProtocol, op, "empty response")
	}
	return resp.OutputText(), nil
}

// Connect probes the API with a minimal request.
func (o *OpenAI) Connect(ctx context.Context) error {
	const op = "provider.OpenAI.Connect"
	if _, err := o.complete(ctx, "ping", 16); err != nil {
		return cierrors.Wrap(cierrors.KindTransport, op, err, "availability probe failed")
	}
	return nil
}

func (o *OpenAI) Query(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, prompt, openaiMaxOutputTokens)
}

// Stream completes the prompt and delivers the result as one chunk.
func (o *OpenAI) Stream(ctx context.Context, prompt string, fn StreamFn) error {
	out, err := o.Query(ctx, prompt)
	if err != nil {
		return err
	}
	return fn(out)
}

func (o *OpenAI) Close() error { return nil }
