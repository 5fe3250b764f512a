package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aiclient/internal/auth"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const (
	// DefaultAzureAPIVersion is used when no api-version is configured.
	DefaultAzureAPIVersion = "2024-06-01"

	defaultOpenAIEndpoint     = "https://api.openai.com/v1"
	defaultPerplexityEndpoint = "https://api.perplexity.ai"
	defaultGeminiEndpoint     = "https://generativelanguage.googleapis.com"

	structuredSystemPrompt = "Respond with a single valid JSON value and nothing else."
)

var errEmptyCompletion = errors.New("provider returned no completion text")

// ProxyRequest is the body accepted by the hosted proxy.
type ProxyRequest struct {
	Prompt             string  `json:"Prompt"`
	MaxTokens          int     `json:"MaxTokens"`
	Temperature        float64 `json:"Temperature"`
	ReturnJsonResponse bool    `json:"ReturnJsonResponse"`
}

// ProxyUsage accepts both OpenAI and Gemini style usage names since the
// proxy passes through whatever its backing provider reported.
type ProxyUsage struct {
	PromptTokens         int `json:"prompt_tokens"`
	CompletionTokens     int `json:"completion_tokens"`
	TotalTokens          int `json:"total_tokens"`
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u ProxyUsage) normalize() Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out == (Usage{}) {
		out = Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// newHTTPRequest wraps an encoded body with the headers t requires.
func newHTTPRequest(ctx context.Context, endpoint string, body []byte, t Transport) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	switch {
	case t.Mode == ModeProxied:
		auth.OAuth2Token(t.Credential).SetAuthHeader(httpReq)
	case t.Provider == ProviderAzureOpenAI:
		httpReq.Header.Set("api-key", t.APIKey)
	case t.Provider == ProviderGemini:
		httpReq.Header.Set("x-goog-api-key", t.APIKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	return httpReq, nil
}

// encodeRequest returns the endpoint and body for req on t.
func encodeRequest(req Request, t Transport) (string, []byte, error) {
	var (
		endpoint string
		payload  any
	)

	switch t.Mode {
	case ModeProxied:
		if t.Credential == nil || t.Credential.Token == "" {
			return "", nil, fmt.Errorf("%w: proxied transport without credential", ErrInvalidRequest)
		}
		endpoint = t.ProxyURL
		payload = ProxyRequest{
			Prompt:             req.Prompt,
			MaxTokens:          req.maxTokens(),
			Temperature:        req.Temperature,
			ReturnJsonResponse: req.WantsStructuredJSON,
		}
	case ModeDirect:
		switch t.Provider {
		case ProviderAzureOpenAI:
			version := t.APIVersion
			if version == "" {
				version = DefaultAzureAPIVersion
			}
			endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
				strings.TrimSuffix(t.Endpoint, "/"), url.PathEscape(t.Deployment), url.QueryEscape(version))
			payload = chatPayload(req, "", true)
		case ProviderOpenAI:
			endpoint = withDefault(t.Endpoint, defaultOpenAIEndpoint) + "/chat/completions"
			payload = chatPayload(req, t.Model, true)
		case ProviderPerplexity:
			endpoint = withDefault(t.Endpoint, defaultPerplexityEndpoint) + "/chat/completions"
			payload = chatPayload(req, t.Model, false)
		case ProviderGemini:
			endpoint = fmt.Sprintf("%s/v1beta/models/%s:generateContent",
				withDefault(t.Endpoint, defaultGeminiEndpoint), url.PathEscape(t.Model))
			payload = geminiPayload(req)
		default:
			return "", nil, fmt.Errorf("%w: unsupported provider %q", ErrInvalidRequest, t.Provider)
		}
	default:
		return "", nil, fmt.Errorf("%w: transport mode not set", ErrInvalidRequest)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return endpoint, body, nil
}

func withDefault(endpoint, fallback string) string {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return fallback
	}
	return endpoint
}

func chatPayload(req Request, model string, jsonMode bool) chatCompletionRequest {
	payload := chatCompletionRequest{
		Model:       model,
		MaxTokens:   req.maxTokens(),
		Temperature: req.Temperature,
	}
	if req.WantsStructuredJSON {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: structuredSystemPrompt})
		if jsonMode {
			payload.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return payload
}

func geminiPayload(req Request) geminiRequest {
	payload := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.Prompt}},
		}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.maxTokens(),
			Temperature:     req.Temperature,
		},
	}
	if req.WantsStructuredJSON {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}
	return payload
}

// decodeResponse maps a successful provider body onto the canonical text and usage.
func decodeResponse(t Transport, body []byte) (string, Usage, error) {
	if t.Mode == ModeProxied {
		return decodeProxyResponse(body)
	}

	switch t.Provider {
	case ProviderGemini:
		var resp geminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(resp.Candidates) == 0 {
			return "", Usage{}, errEmptyCompletion
		}
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() == 0 {
			return "", Usage{}, errEmptyCompletion
		}
		return text.String(), Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}, nil
	default:
		var resp chatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return "", Usage{}, errEmptyCompletion
		}
		return resp.Choices[0].Message.Content, resp.Usage, nil
	}
}

// decodeProxyResponse reads {"response": ..., "usage": {...}}. The proxy may
// return the response as a string or, for JSON requests, as an embedded value.
func decodeProxyResponse(body []byte) (string, Usage, error) {
	if !gjson.ValidBytes(body) {
		return "", Usage{}, errors.New("proxy returned a non-JSON body")
	}

	var usage Usage
	if raw := gjson.GetBytes(body, "usage"); raw.IsObject() {
		var pu ProxyUsage
		if err := json.Unmarshal([]byte(raw.Raw), &pu); err == nil {
			usage = pu.normalize()
		}
	}

	res := gjson.GetBytes(body, "response")
	switch {
	case !res.Exists() || res.Type == gjson.Null:
		return "", usage, errEmptyCompletion
	case res.Type == gjson.String:
		if res.Str == "" {
			return "", usage, errEmptyCompletion
		}
		return res.Str, usage, nil
	default:
		return res.Raw, usage, nil
	}
}

// proxyError returns the value of a top-level "Error" field, if any.
func proxyError(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	res := gjson.GetBytes(body, "Error")
	if !res.Exists() || res.Type == gjson.Null {
		return "", false
	}
	return res.String(), true
}

// classifyProxyError maps the proxy's Error text to a kind.
func classifyProxyError(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return KindRateLimited
	case strings.Contains(lower, "bad request"):
		return KindBadRequest
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "token expired"):
		return KindUnauthorized
	default:
		return KindUpstream
	}
}
