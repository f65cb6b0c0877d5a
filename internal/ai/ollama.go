package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		// no client timeout; the caller's ctx bounds the stream
		Client: &http.Client{},
	}
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// StreamChat streams assistant content from /api/chat as tagged events.
func (p *OllamaProvider) StreamChat(ctx context.Context, req CompletionRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		if p.Client == nil {
			emit(ctx, out, Failure(errors.New("ollama: http client is nil")))
			return
		}

		model := strings.TrimSpace(req.Model)
		if model == "" {
			model = p.Model
		}
		opts := map[string]any{}
		if req.Temperature > 0 {
			opts["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			opts["num_predict"] = req.MaxTokens
		}

		b, err := json.Marshal(ollamaChatReq{
			Model:    model,
			Messages: req.wireMessages(),
			Stream:   true,
			Options:  opts,
		})
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}

		url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			emit(ctx, out, Failure(fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			for _, ev := range ParseNDJSONFrame(sc.Bytes()) {
				if !emit(ctx, out, ev) {
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			emit(ctx, out, Failure(err))
			return
		}
		emit(ctx, out, Failure(errors.New("ollama: stream ended without done frame")))
	}()

	return out
}
