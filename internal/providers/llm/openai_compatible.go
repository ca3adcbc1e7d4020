package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/engramlabs/engram/internal/core"
)

// OpenAICompatible talks to any /v1/chat/completions endpoint. All
// three oracles (generation, summarization, evaluation) run through
// this one call shape.
type OpenAICompatible struct {
	baseProvider
	authHeader   string
	authPrefix   string
	extraHeaders map[string]string
}

type OpenAICompatibleConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	AuthHeader   string // e.g., "Authorization"
	AuthPrefix   string // e.g., "Bearer "
	ExtraHeaders map[string]string
}

func NewOpenAICompatible(cfg OpenAICompatibleConfig) *OpenAICompatible {
	return &OpenAICompatible{
		baseProvider: newBaseProvider(cfg.BaseURL, cfg.APIKey, cfg.Model),
		authHeader:   cfg.AuthHeader,
		authPrefix:   cfg.AuthPrefix,
		extraHeaders: cfg.ExtraHeaders,
	}
}

func (o *OpenAICompatible) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	payload := map[string]any{
		"model":    o.model,
		"messages": history,
	}

	headers := make(map[string]string)
	if o.authHeader != "" && o.apiKey != "" {
		headers[o.authHeader] = o.authPrefix + o.apiKey
	}
	for k, v := range o.extraHeaders {
		headers[k] = v
	}

	resp, err := o.doRequest(ctx, http.MethodPost, "/v1/chat/completions", payload, headers)
	if err != nil {
		// Transport-level failures are retryable by policy.
		return core.Message{}, fmt.Errorf("%w: %v", core.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	return parseChatResponse(resp)
}

// Models lists what the endpoint serves via the standard /v1/models
// route. Providers with a different listing API override this.
func (o *OpenAICompatible) Models(ctx context.Context) ([]core.Model, error) {
	headers := make(map[string]string)
	if o.authHeader != "" && o.apiKey != "" {
		headers[o.authHeader] = o.authPrefix + o.apiKey
	}
	for k, v := range o.extraHeaders {
		headers[k] = v
	}

	resp, err := o.doRequest(ctx, http.MethodGet, "/v1/models", nil, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		Data []core.Model `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return result.Data, nil
}

func parseChatResponse(resp *http.Response) (core.Message, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Message{}, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return core.Message{}, fmt.Errorf("%w: %v", core.ErrOracleUnavailable, err)
		}
		return core.Message{}, err
	}

	var result struct {
		Choices []struct {
			Message core.Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return core.Message{}, fmt.Errorf("%w: decode: %v", core.ErrMalformedOracleOutput, err)
	}
	if len(result.Choices) == 0 {
		return core.Message{}, fmt.Errorf("%w: empty choices", core.ErrMalformedOracleOutput)
	}
	return result.Choices[0].Message, nil
}
