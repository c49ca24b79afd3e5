package provider

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"argo/pkg/cierrors"
	"argo/pkg/config"
)

const geminiMaxOutputTokens = 4096

// Gemini wraps the Google GenAI client. The SDK requires a context to
// construct its client, so creation is deferred to first use.
type Gemini struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGemini builds a Gemini-backed provider from config.
func NewGemini(cfg config.ProviderCfg) (*Gemini, error) {
	const op = "provider.NewGemini"
	if cfg.APIKey == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "api_key is required")
	}
	if cfg.Model == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "model is required")
	}
	return &Gemini{apiKey: cfg.APIKey, model: cfg.Model}, nil
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) getClient(ctx context.Context) (*genai.Client, error) {
	const op = "provider.Gemini.getClient"
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, cierrors.Wrap(cierrors.KindTransport, op, err, "client creation failed")
	}
	g.client = client
	return client, nil
}

// Connect constructs the SDK client and probes the API.
func (g *Gemini) Connect(ctx context.Context) error {
	const op = "provider.Gemini.Connect"
	if _, err := g.generate(ctx, "ping", 8); err != nil {
		return cierrors.Wrap(cierrors.KindTransport, op, err, "availability probe failed")
	}
	return nil
}

func (g *Gemini) generate(ctx context.Context, prompt string, maxTokens int32) (string, error) {
	const op = "provider.Gemini.Query"
	client, err := g.getClient(ctx)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: maxTokens}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", cierrors.Wrap(cierrors.KindTransport, op, err, "API call failed")
	}
	if result == nil {
		return "", cierrors.New(cierrors.KindProtocol, op, "empty response")
	}
	return result.Text(), nil
}

func (g *Gemini) Query(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, geminiMaxOutputTokens)
}

// Stream completes the prompt and delivers the result as one chunk.
func (g *Gemini) Stream(ctx context.Context, prompt string, fn StreamFn) error {
	out, err := g.Query(ctx, prompt)
	if err != nil {
		return err
	}
	return fn(out)
}

func (g *Gemini) Close() error { return nil }
