package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type captured struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func capture(t *testing.T, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		c.query = r.URL.RawQuery
		c.header = r.Header.Clone()
		c.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestProviderWireShapes(t *testing.T) {
	const geminiReply = `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"a\":"},{"text":"1}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`

	tests := []struct {
		name       string
		direct     DirectCredentials
		reply      string
		structured bool
		check      func(t *testing.T, c *captured)
		wantText   string
		wantUsage  Usage
	}{
		{
			name:       "azure openai",
			direct:     DirectCredentials{Provider: ProviderAzureOpenAI, APIKey: "az-key", Deployment: "gpt4o"},
			reply:      openAIReply,
			structured: true,
			check: func(t *testing.T, c *captured) {
				assert.Equal(t, "/openai/deployments/gpt4o/chat/completions", c.path)
				assert.Equal(t, "api-version="+DefaultAzureAPIVersion, c.query)
				assert.Equal(t, "az-key", c.header.Get("api-key"))
				assert.Empty(t, c.header.Get("Authorization"))
				assert.Equal(t, "json_object", gjson.GetBytes(c.body, "response_format.type").String())
				assert.False(t, gjson.GetBytes(c.body, "model").Exists())
				assert.Equal(t, "system", gjson.GetBytes(c.body, "messages.0.role").String())
				assert.Equal(t, "user", gjson.GetBytes(c.body, "messages.1.role").String())
				assert.Equal(t, "describe", gjson.GetBytes(c.body, "messages.1.content").String())
			},
			wantText:  "pong",
			wantUsage: Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		},
		{
			name:   "openai",
			direct: DirectCredentials{Provider: ProviderOpenAI, APIKey: "sk-1", Model: "gpt-4o-mini"},
			reply:  openAIReply,
			check: func(t *testing.T, c *captured) {
				assert.Equal(t, "/chat/completions", c.path)
				assert.Equal(t, "Bearer sk-1", c.header.Get("Authorization"))
				assert.Equal(t, "gpt-4o-mini", gjson.GetBytes(c.body, "model").String())
				assert.EqualValues(t, 300, gjson.GetBytes(c.body, "max_tokens").Int())
				assert.InDelta(t, 0.7, gjson.GetBytes(c.body, "temperature").Float(), 1e-9)
				assert.False(t, gjson.GetBytes(c.body, "response_format").Exists())
				assert.EqualValues(t, 1, gjson.GetBytes(c.body, "messages.#").Int())
			},
			wantText:  "pong",
			wantUsage: Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		},
		{
			name:       "perplexity has no json mode",
			direct:     DirectCredentials{Provider: ProviderPerplexity, APIKey: "pplx", Model: "sonar"},
			reply:      openAIReply,
			structured: true,
			check: func(t *testing.T, c *captured) {
				assert.Equal(t, "/chat/completions", c.path)
				assert.Equal(t, "Bearer pplx", c.header.Get("Authorization"))
				assert.False(t, gjson.GetBytes(c.body, "response_format").Exists())
				assert.EqualValues(t, 2, gjson.GetBytes(c.body, "messages.#").Int())
			},
			wantText:  "pong",
			wantUsage: Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		},
		{
			name:       "gemini",
			direct:     DirectCredentials{Provider: ProviderGemini, APIKey: "g-key", Model: "gemini-1.5-flash"},
			reply:      geminiReply,
			structured: true,
			check: func(t *testing.T, c *captured) {
				assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", c.path)
				assert.Equal(t, "g-key", c.header.Get("x-goog-api-key"))
				assert.Equal(t, "describe", gjson.GetBytes(c.body, "contents.0.parts.0.text").String())
				assert.Equal(t, "application/json", gjson.GetBytes(c.body, "generationConfig.responseMimeType").String())
				assert.EqualValues(t, 300, gjson.GetBytes(c.body, "generationConfig.maxOutputTokens").Int())
			},
			wantText:  `{"a":1}`,
			wantUsage: Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, c := capture(t, tt.reply)
			tt.direct.Endpoint = srv.URL

			prompt := "describe"
			raw, err := newTestDispatcher(1).Dispatch(context.Background(), Request{
				Prompt:              prompt,
				WantsStructuredJSON: tt.structured,
				MaxOutputTokens:     300,
				Temperature:         0.7,
			}, DirectTransport(tt.direct))
			require.NoError(t, err)

			assert.Equal(t, http.MethodPost, c.method)
			assert.Equal(t, "application/json", c.header.Get("Content-Type"))
			tt.check(t, c)
			assert.Equal(t, tt.wantText, raw.Text)
			assert.Equal(t, tt.wantUsage, raw.Usage)
		})
	}
}

func TestProxyWireShape(t *testing.T) {
	srv, c := capture(t, `{"response":"hello there","usage":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}}`)

	raw, err := newTestDispatcher(1).Dispatch(context.Background(), Request{
		Prompt:              "hi",
		WantsStructuredJSON: true,
		MaxOutputTokens:     128,
		Temperature:         0.3,
	}, proxiedTransport(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "Bearer bearer-token", c.header.Get("Authorization"))
	assert.Equal(t, "hi", gjson.GetBytes(c.body, "Prompt").String())
	assert.EqualValues(t, 128, gjson.GetBytes(c.body, "MaxTokens").Int())
	assert.InDelta(t, 0.3, gjson.GetBytes(c.body, "Temperature").Float(), 1e-9)
	assert.True(t, gjson.GetBytes(c.body, "ReturnJsonResponse").Bool())

	assert.Equal(t, "hello there", raw.Text)
	assert.Equal(t, Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}, raw.Usage)
}

func TestDecodeProxyResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantErr  bool
	}{
		{name: "string response", body: `{"response":"text"}`, wantText: "text"},
		{name: "embedded object", body: `{"response":{"a":[1,2]}}`, wantText: `{"a":[1,2]}`},
		{name: "openai usage names", body: `{"response":"x","usage":{"prompt_tokens":1}}`, wantText: "x"},
		{name: "empty string", body: `{"response":""}`, wantErr: true},
		{name: "null", body: `{"response":null}`, wantErr: true},
		{name: "absent", body: `{}`, wantErr: true},
		{name: "not json", body: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, _, err := decodeProxyResponse([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestClassifyProxyError(t *testing.T) {
	tests := map[string]ErrorKind{
		"Rate Limit Exceeded": KindRateLimited,
		"rate limit exceeded": KindRateLimited,
		"Bad Request":         KindBadRequest,
		"Unauthorized":        KindUnauthorized,
		"Token Expired":       KindUnauthorized,
		"Upstream Failure":    KindUpstream,
		"":                    KindUpstream,
	}
	for msg, want := range tests {
		if got := classifyProxyError(msg); got != want {
			t.Errorf("classifyProxyError(%q) = %v, want %v", msg, got, want)
		}
	}
}
