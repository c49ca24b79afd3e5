package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"argo/pkg/cierrors"
	"argo/pkg/config"
)

const defaultOllamaHost = "http://localhost:11434"

// Ollama wraps the Ollama API client for locally hosted models.
type Ollama struct {
	client *api.Client
	model  string
	host   string
}

// NewOllama builds an Ollama-backed provider from config. No API key
// is required; host defaults to the local daemon.
func NewOllama(cfg config.ProviderCfg) (*Ollama, error) {
	const op = "provider.NewOllama"
	if cfg.Model == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "model is required")
	}
	host := cfg.Host
	if host == "" {
		host = defaultOllamaHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, cierrors.Wrap(cierrors.KindInput, op, err, "invalid host URL")
	}
	return &Ollama{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  cfg.Model,
		host:   host,
	}, nil
}

func (o *Ollama) Name() string  { return "ollama" }
func (o *Ollama) Model() string { return o.model }

// Connect checks the local daemon is reachable.
func (o *Ollama) Connect(ctx context.Context) error {
	const op = "provider.Ollama.Connect"
	if err := o.client.Heartbeat(ctx); err != nil {
		return cierrors.Wrap(cierrors.KindTransport, op, err, "daemon unreachable")
	}
	return nil
}

func (o *Ollama) chat(ctx context.Context, prompt string, stream bool, fn api.ChatResponseFunc) error {
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
		Stream: &stream,
	}
	return o.client.Chat(ctx, req, fn)
}

func (o *Ollama) Query(ctx context.Context, prompt string) (string, error) {
	const op = "provider.Ollama.Query"
	var out string
	err := o.chat(ctx, prompt, false, func(resp api.ChatResponse) error {
		out = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", cierrors.Wrap(cierrors.KindTransport, op, err, "chat failed")
	}
	return out, nil
}

// Stream delivers chunks as the model produces them.
func (o *Ollama) Stream(ctx context.Context, prompt string, fn StreamFn) error {
	const op = "provider.Ollama.Stream"
	err := o.chat(ctx, prompt, true, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		return fn(resp.Message.Content)
	})
	if err != nil {
		return cierrors.Wrap(cierrors.KindTransport, op, err, "chat stream failed")
	}
	return nil
}

func (o *Ollama) Close() error { return nil }
