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

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, req CompletionRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		if p.Client == nil {
			emit(ctx, out, Failure(errors.New("openrouter: http client is nil")))
			return
		}
		apiKey := req.Credential.APIKey
		if apiKey == "" {
			apiKey = p.APIKey
		}
		if strings.TrimSpace(apiKey) == "" {
			emit(ctx, out, Failure(ErrCredentialRequired))
			return
		}
		model := strings.TrimSpace(req.Model)
		if model == "" {
			model = strings.TrimSpace(p.Model)
		}
		if model == "" {
			emit(ctx, out, Failure(errors.New("openrouter: model is required")))
			return
		}

		body := openRouterChatReq{
			Model:     model,
			Stream:    true,
			Messages:  req.wireMessages(),
			MaxTokens: req.MaxTokens,
		}
		if req.Temperature > 0 {
			t := req.Temperature
			body.Temperature = &t
		}
		b, err := json.Marshal(body)
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		if p.SiteURL != "" {
			httpReq.Header.Set("HTTP-Referer", p.SiteURL)
		}
		if p.AppName != "" {
			httpReq.Header.Set("X-Title", p.AppName)
		}

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			emit(ctx, out, Failure(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(raw))
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			emit(ctx, out, Failure(fmt.Errorf("openrouter: %s", msg)))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			for _, ev := range ParseSSEFrame(sc.Text()) {
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
		emit(ctx, out, Failure(errors.New("openrouter: stream ended without [DONE]")))
	}()

	return out
}
