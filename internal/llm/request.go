package llm

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultMaxOutputTokens applies when a request leaves MaxOutputTokens at 0.
	DefaultMaxOutputTokens = 4096
	// MaxTemperature is the upper bound accepted by every supported provider.
	MaxTemperature = 2.0
)

// Request is a single prompt sent through the pipeline.
type Request struct {
	Prompt              string
	WantsStructuredJSON bool
	MaxOutputTokens     int
	Temperature         float64
	// Timeout bounds each attempt. Zero derives it from MaxOutputTokens.
	Timeout time.Duration
}

// Validate checks the request invariants.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if math.IsNaN(r.Temperature) || r.Temperature < 0 || r.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f outside [0, %.1f]", ErrInvalidRequest, r.Temperature, MaxTemperature)
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: max output tokens %d is negative", ErrInvalidRequest, r.MaxOutputTokens)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout %s is negative", ErrInvalidRequest, r.Timeout)
	}
	return nil
}

func (r Request) maxTokens() int {
	if r.MaxOutputTokens == 0 {
		return DefaultMaxOutputTokens
	}
	return r.MaxOutputTokens
}

// Usage is the token accounting reported by the provider, when it reports any.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RawResponse is the provider-neutral result of a dispatch.
type RawResponse struct {
	Text     string
	Usage    Usage
	Body     []byte
	Attempts int
}

// Result is what the Client hands back to callers.
type Result struct {
	Text string
	// JSON is set for structured requests and always holds valid JSON.
	JSON     json.RawMessage
	Usage    Usage
	Mode     Mode
	Attempts int
}
