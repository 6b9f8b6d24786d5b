package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the /api/tags reachability probe.
const healthCheckTimeout = 3 * time.Second

// OllamaProvider implements Provider against a local Ollama server.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllama creates an Ollama provider. timeout bounds non-streaming calls;
// zero means no client timeout (streaming relies on context cancellation).
func NewOllama(endpoint, model string, timeout time.Duration) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaProvider{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string { return "ollama" }

// Available probes /api/tags with a short timeout.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ollamaChatRequest is the /api/chat request body.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatChunk is one NDJSON line of a /api/chat response.
type ollamaChatChunk struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(req *ChatRequest, stream bool) *ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	out := &ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		out.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONOnly {
		out.Format = "json"
	}
	return out
}

// Chat sends a non-streaming chat request.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama chat: %s", chunk.Error)
	}

	return &ChatResponse{
		Content:  chunk.Message.Content,
		Model:    chunk.Model,
		Duration: time.Since(start),
	}, nil
}

// ChatStream streams the response, invoking onToken per chunk. A non-nil
// error from onToken stops forwarding but continues draining so the full
// reply is still returned.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string) error) (string, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Streams are bounded by ctx only, not by the non-streaming timeout.
	streamClient := *p.client
	streamClient.Timeout = 0
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama chat stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return "", fmt.Errorf("ollama chat stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var full bytes.Buffer
	forwarding := true

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("ollama chat stream: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if forwarding && onToken != nil {
				if err := onToken(chunk.Message.Content); err != nil {
					forwarding = false
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read ollama stream: %w", err)
	}

	return full.String(), nil
}
