package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaTranslator struct {
	endpoint    string
	model       string
	apiKey      string
	maxTokens   int
	temperature float64
	source      string
	client      *http.Client
}

// OllamaOptions configures the HTTP translator.
type OllamaOptions struct {
	Endpoint    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Source      string
	Client      *http.Client
}

// NewOllamaTranslator talks to an Ollama-compatible /api/generate endpoint.
func NewOllamaTranslator(opts OllamaOptions) Translator {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	model := opts.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaTranslator{
		endpoint:    strings.TrimSuffix(opts.Endpoint, "/"),
		model:       model,
		apiKey:      opts.APIKey,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		source:      opts.Source,
		client:      client,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (t *ollamaTranslator) Translate(ctx context.Context, req Request) (string, error) {
	payload := ollamaRequest{
		Model:  t.model,
		Prompt: req.Text,
		System: SystemPrompt(firstNonEmpty(req.Source, t.source), req.Target),
		Stream: true,
		Options: ollamaOptions{
			Temperature: t.temperature,
			NumPredict:  t.maxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("translation endpoint returned status %s", resp.Status)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decode translation chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("translation endpoint error: %s", chunk.Error)
		}
		out.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", ErrEmptyTranslation
	}
	return text, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
