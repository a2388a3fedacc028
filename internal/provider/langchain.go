package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// statusCodePattern matches the HTTP status langchaingo clients put in
// their error text ("status code: 429: ...", "status code: 404, ...").
var statusCodePattern = regexp.MustCompile(`status code: (\d{3})\b`)

// digitRuns is blanked out before phrase mapping so token counts and other
// numbers are never read as status codes.
var digitRuns = regexp.MustCompile(`\d+`)

// transportMarkers identify failures to reach the backend at all. The openai
// client flattens net errors and attempt deadlines into these messages.
var transportMarkers = []string{
	"request timeout",
	"network error",
	"connection refused",
	"connection reset",
	"no such host",
	"overloaded",
}

// LangChain adapts a langchaingo model.
type LangChain struct {
	model llms.Model
	name  string
}

// NewLangChain wraps an existing llms.Model. name is used in error messages.
func NewLangChain(name string, model llms.Model) *LangChain {
	return &LangChain{model: model, name: name}
}

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
}

// NewOpenAI builds a LangChain provider over an OpenAI-compatible API
// (OpenAI, OpenRouter, local gateways).
func NewOpenAI(cfg OpenAIConfig) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client %q: %w", cfg.Name, err)
	}
	return NewLangChain(cfg.Name, llm), nil
}

func (p *LangChain) Generate(ctx context.Context, prompt, model string) (string, error) {
	var opts []llms.CallOption
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt, opts...)
	if err != nil {
		return "", p.classify(ctx, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func (p *LangChain) classify(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("%s: %w", p.name, err)

	// Caller cancellation is final; an expired attempt deadline is not.
	if errors.Is(ctx.Err(), context.Canceled) {
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Unavailable(wrapped)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unavailable(wrapped)
	}

	if code, ok := statusCode(err); ok {
		if unavailableStatus(code) {
			return Unavailable(wrapped)
		}
		return wrapped
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return Unavailable(wrapped)
		}
	}

	var llmErr *llms.Error
	words := errors.New(digitRuns.ReplaceAllString(msg, "#"))
	if errors.As(openai.MapError(words), &llmErr) {
		switch llmErr.Code {
		case llms.ErrCodeRateLimit,
			llms.ErrCodeProviderUnavailable,
			llms.ErrCodeTimeout,
			llms.ErrCodeResourceNotFound:
			return Unavailable(wrapped)
		}
	}
	return wrapped
}

func statusCode(err error) (int, bool) {
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

// unavailableStatus reports whether the backend, not the request, is at
// fault. 404 means the requested model is not served there.
func unavailableStatus(code int) bool {
	switch {
	case code == http.StatusNotFound,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}
