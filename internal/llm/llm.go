package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Completion, error)
	Name() string
	IsConfigured() bool
}

// Request is one chat completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the raw text a provider returned plus its token accounting.
type Completion struct {
	Text  string
	Usage Usage
}

// Usage is operational accounting. It is logged, never persisted.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OllamaProvider) Name() string { return "ollama" }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Generate sends a chat request to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, r Request) (*Completion, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": messages(r),
		"stream":   false,
		"format":   "json",
		"options": map[string]any{
			"num_predict": r.MaxTokens,
			"temperature": 0.7,
		},
	}

	resp, err := postJSON(ctx, o.client, o.BaseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("ollama", resp.StatusCode, respBody)
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, malformed("ollama", err)
	}

	return &Completion{
		Text:  result.Message.Content,
		Usage: Usage{PromptTokens: result.PromptEvalCount, CompletionTokens: result.EvalCount},
	}, nil
}

// OpenAIProvider is an OpenAI-compatible chat completions provider.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider. The key is read from the
// named environment variable.
func NewOpenAIProvider(model, baseURL, apiKeyEnv string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a chat request to OpenAI and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, r Request) (*Completion, error) {
	if o.APIKey == "" {
		return nil, statusError("openai", http.StatusUnauthorized, []byte("API key not configured"))
	}

	body := map[string]any{
		"model":           o.Model,
		"messages":        messages(r),
		"max_tokens":      r.MaxTokens,
		"temperature":     0.7,
		"response_format": map[string]string{"type": "json_object"},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	resp, err := postJSON(ctx, o.client, o.BaseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, transportError("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("openai", resp.StatusCode, respBody)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, malformed("openai", err)
	}

	if len(result.Choices) == 0 {
		return nil, malformed("openai", fmt.Errorf("no choices in response"))
	}

	return &Completion{Text: result.Choices[0].Message.Content, Usage: result.Usage}, nil
}

func messages(r Request) []map[string]string {
	var msgs []map[string]string
	if r.System != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": r.System})
	}
	return append(msgs, map[string]string{"role": "user", "content": r.Prompt})
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// CreateProvider creates an LLM provider based on configuration. Ollama falls
// back to OpenAI when it is not reachable. It returns nil when neither works.
func CreateProvider(cfg config.Generation, log *logger.Logger) Provider {
	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		if p.IsConfigured() {
			log.Info("using ollama", "model", cfg.Model)
			return p
		}
		log.Warn("ollama not available, trying openai fallback", "url", cfg.OllamaURL)
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.OpenAIURL, cfg.APIKeyEnv)
	if p.IsConfigured() {
		log.Info("using openai", "model", cfg.OpenAIModel)
		return p
	}

	log.Warn("no LLM provider available", "hint", "check ollama is running or set "+cfg.APIKeyEnv)
	return nil
}
