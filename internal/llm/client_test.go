package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aiclient/internal/auth"
	"aiclient/internal/jsonrepair"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// chatServer replies with the queued contents in order, repeating the last.
// A content of "429" answers with that status instead.
type chatServer struct {
	mu       sync.Mutex
	contents []string
	bodies   [][]byte
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	n := len(s.bodies)
	content := s.contents[len(s.contents)-1]
	if n <= len(s.contents) {
		content = s.contents[n-1]
	}
	s.mu.Unlock()

	if content == "429" {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
	})
}

func (s *chatServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func newDirectClient(t *testing.T, maxRepairRounds int, contents ...string) (*Client, *chatServer) {
	t.Helper()
	fake := &chatServer{contents: contents}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Provider = string(ProviderOpenAI)
	cfg.APIKey = "sk-test"
	cfg.Model = "gpt-test"
	cfg.Endpoint = srv.URL
	cfg.MaxRepairRounds = maxRepairRounds

	return NewClient(cfg, nil, WithDispatcher(newTestDispatcher(2))), fake
}

func TestClientAskText(t *testing.T) {
	client, fake := newDirectClient(t, 2, "just prose, not json")

	res, err := client.Ask(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "just prose, not json", res.Text)
	assert.Nil(t, res.JSON)
	assert.Equal(t, ModeDirect, res.Mode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 5, res.Usage.TotalTokens)
	assert.Equal(t, 1, fake.calls())
}

func TestClientAskStructured(t *testing.T) {
	tests := []struct {
		name      string
		rounds    int
		contents  []string
		wantJSON  string
		wantCalls int
	}{
		{name: "valid json", rounds: 2, contents: []string{`{"a":1}`}, wantJSON: `{"a":1}`, wantCalls: 1},
		{name: "fenced json", rounds: 2, contents: []string{"```json\n[1,2]\n```"}, wantJSON: `[1,2]`, wantCalls: 1},
		{name: "prose around json", rounds: 0, contents: []string{`Here you go: {"ok":true}. Enjoy!`}, wantJSON: `{"ok":true}`, wantCalls: 1},
		{name: "one repair round", rounds: 2, contents: []string{`{"a":`, `{"a":2}`}, wantJSON: `{"a":2}`, wantCalls: 2},
		{name: "two repair rounds", rounds: 2, contents: []string{`{"a":`, `still bad`, "```json\n{\"a\":3}\n```"}, wantJSON: `{"a":3}`, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, fake := newDirectClient(t, tt.rounds, tt.contents...)

			res, err := client.Ask(context.Background(), Request{Prompt: "give json", WantsStructuredJSON: true})
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantJSON, string(res.JSON))
			assert.Equal(t, tt.wantCalls, fake.calls())
		})
	}
}

func TestClientRepairRequest(t *testing.T) {
	client, fake := newDirectClient(t, 1, `{"broken":`, `{"broken":false}`)

	_, err := client.Ask(context.Background(), Request{Prompt: "give json", WantsStructuredJSON: true, Temperature: 0.9})
	require.NoError(t, err)
	require.Equal(t, 2, fake.calls())

	repair := fake.bodies[1]
	assert.InDelta(t, RepairTemperature, gjson.GetBytes(repair, "temperature").Float(), 1e-9)
	userPrompt := gjson.GetBytes(repair, `messages.#(role=="user").content`).String()
	assert.True(t, strings.HasSuffix(userPrompt, `{"broken":`), "repair prompt should carry the text to fix")
	assert.Equal(t, "json_object", gjson.GetBytes(repair, "response_format.type").String())
}

func TestClientRepairExhausted(t *testing.T) {
	const refusal = "I'm sorry, I can't help with that."
	client, fake := newDirectClient(t, 2, refusal)

	res, err := client.Ask(context.Background(), Request{Prompt: "give json", WantsStructuredJSON: true})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, jsonrepair.ErrJSONRepairExhausted)

	var exhausted *jsonrepair.RepairExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, refusal, exhausted.RawText)
	assert.Equal(t, 2, exhausted.Rounds)
	assert.Equal(t, 3, fake.calls(), "one request plus exactly two repair requests")
	assert.Equal(t, RemediationTreatAsText, RemediationFor(err))
}

func TestClientRepairDispatchFailureAborts(t *testing.T) {
	client, fake := newDirectClient(t, 3, "not json", "429")

	_, err := client.Ask(context.Background(), Request{Prompt: "give json", WantsStructuredJSON: true})
	require.Error(t, err)
	assert.False(t, errors.Is(err, jsonrepair.ErrJSONRepairExhausted))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, RemediationWait, RemediationFor(err))
	assert.Equal(t, 2, fake.calls())
}

func TestClientAskJSON(t *testing.T) {
	client, _ := newDirectClient(t, 1, `{"name":"widget","count":3}`)

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, client.AskJSON(context.Background(), Request{Prompt: "describe"}, &out))
	assert.Equal(t, "widget", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestClientRejectsInvalidRequest(t *testing.T) {
	client, fake := newDirectClient(t, 1, "unused")

	_, err := client.Ask(context.Background(), Request{Prompt: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, fake.calls())
}

func TestClientWithRepairer(t *testing.T) {
	var seen []string
	repairer := jsonrepair.RepairerFunc(func(_ context.Context, text string) (string, error) {
		seen = append(seen, text)
		return `{"repaired":true}`, nil
	})

	fake := &chatServer{contents: []string{"nope"}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Provider, cfg.APIKey, cfg.Model, cfg.Endpoint = string(ProviderOpenAI), "k", "m", srv.URL
	client := NewClient(cfg, nil, WithDispatcher(newTestDispatcher(1)), WithRepairer(repairer))

	res, err := client.Ask(context.Background(), Request{Prompt: "x", WantsStructuredJSON: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"repaired":true}`, string(res.JSON))
	assert.Equal(t, []string{"nope"}, seen)
	assert.Equal(t, 1, fake.calls())
}

func TestNewIssuer(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, NewIssuer(cfg))

	cfg.Token.Secret = "s"
	cfg.Token.Validity = time.Hour
	local, ok := NewIssuer(cfg).(*auth.LocalIssuer)
	require.True(t, ok)
	assert.Equal(t, time.Hour, local.Lifetime)

	cfg.Token.URL = "https://issuer"
	cfg.Token.APIKey = "app-key"
	remote, ok := NewIssuer(cfg).(*auth.RemoteIssuer)
	require.True(t, ok)
	assert.Equal(t, "https://issuer", remote.URL)
	assert.Equal(t, "app-key", remote.APIKey)
}
