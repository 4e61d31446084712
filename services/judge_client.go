package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bounty-settlement/core/judging"
	"bounty-settlement/core/settlement"
)

// OpenAIJudge calls an OpenAI-compatible chat completions endpoint to judge
// submissions. It returns the raw reply; parsing and fallback live in the
// judging engine.
type OpenAIJudge struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIJudge builds a judge client. baseURL defaults to the public OpenAI
// API; rps <= 0 disables throttling.
func NewOpenAIJudge(baseURL, apiKey, model string, timeout time.Duration, rps float64) *OpenAIJudge {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &OpenAIJudge{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Score sends the judging prompt and returns the model's reply text.
func (j *OpenAIJudge) Score(ctx context.Context, req settlement.JudgeRequest) (string, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: judging.SystemPrompt},
			{Role: "user", Content: judging.BuildPrompt(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("judge: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("judge: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("judge error: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("judge: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("judge: empty choices in response")
	}
	return out.Choices[0].Message.Content, nil
}
