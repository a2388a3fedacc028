package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel is a minimal llms.Model.
type fakeModel struct {
	reply     string
	err       error
	lastModel string
}

func (f *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.lastModel = opts.Model
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestUnavailableWrapping(t *testing.T) {
	base := errors.New("503 service unavailable")
	err := Unavailable(base)

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Unavailable(err), "double wrap should be a no-op")
	assert.Nil(t, Unavailable(nil))
	assert.False(t, IsUnavailable(base))
	assert.True(t, IsUnavailable(fmt.Errorf("attempt 2: %w", err)))
}

func TestLangChainGenerate(t *testing.T) {
	m := &fakeModel{reply: "hello"}
	p := NewLangChain("test", m)

	out, err := p.Generate(context.Background(), "say hello", "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "gpt-x", m.lastModel)
}

func TestLangChainEmptyOutput(t *testing.T) {
	p := NewLangChain("test", &fakeModel{reply: "   "})
	_, err := p.Generate(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.False(t, IsUnavailable(err))
}

func TestLangChainClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"rate limit", errors.New("API returned unexpected status code: 429: rate limit reached"), true},
		{"overloaded", errors.New("model is overloaded"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"missing model", errors.New("error, status code: 404, message: The model `foo` does not exist"), true},
		{"bad request", errors.New("status code: 400, invalid prompt"), false},
		{"context length with large count", errors.New("API returned unexpected status code: 400: This model's maximum context length is 4097 tokens, however you requested 5000 tokens"), false},
		{"server error", errors.New("API returned unexpected status code: 503: upstream busy"), true},
		{"bad key", errors.New("API returned unexpected status code: 401: Incorrect API key provided"), false},
		{"network", errors.New("network error: failed to reach API server"), true},
		{"attempt timeout", errors.New("request timeout: API call exceeded deadline"), true},
		{"service unavailable phrase", errors.New("service unavailable, try later"), true},
		{"unknown model phrase", errors.New("model not found"), true},
		{"content filter", errors.New("rejected: content policy violation"), false},
		{"bare number", errors.New("prompt of 5000 tokens rejected"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLangChain("test", &fakeModel{err: tt.err})
			_, err := p.Generate(context.Background(), "x", "")
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, IsUnavailable(err))
		})
	}
}

func TestLangChainCallerCancelIsFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewLangChain("test", &fakeModel{err: errors.New("503 upstream")})
	_, err := p.Generate(ctx, "x", "")
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}

func TestEcho(t *testing.T) {
	e := &Echo{Prefix: "> "}
	out, err := e.Generate(context.Background(), "  text  ", "any")
	require.NoError(t, err)
	assert.Equal(t, "> text", out)

	_, err = e.Generate(context.Background(), " ", "")
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestEchoDelayHonoursContext(t *testing.T) {
	e := &Echo{Delay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Generate(ctx, "x", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouterResolve(t *testing.T) {
	noop := Func(func(context.Context, string, string) (string, error) { return "", nil })
	r, err := NewRouter(map[string]Provider{"openai": noop, "local": noop}, "openai")
	require.NoError(t, err)

	tests := []struct {
		pref, backend, model string
	}{
		{"", "openai", ""},
		{"local", "local", ""},
		{"local/llama3", "local", "llama3"},
		{"gpt-4o", "openai", "gpt-4o"},
		{"meta-llama/llama-3-70b", "openai", "meta-llama/llama-3-70b"},
		{"openai/meta-llama/llama-3-70b", "openai", "meta-llama/llama-3-70b"},
	}
	for _, tt := range tests {
		b, m := r.Resolve(tt.pref)
		assert.Equal(t, tt.backend, b, tt.pref)
		assert.Equal(t, tt.model, m, tt.pref)
	}
	assert.Equal(t, []string{"local", "openai"}, r.Backends())
}

func TestRouterGenerate(t *testing.T) {
	var gotModel string
	local := Func(func(_ context.Context, prompt, model string) (string, error) {
		gotModel = model
		return "local:" + prompt, nil
	})
	r, err := NewRouter(map[string]Provider{"local": local}, "")
	require.NoError(t, err)

	out, err := r.Generate(context.Background(), "p", "local/tiny")
	require.NoError(t, err)
	assert.Equal(t, "local:p", out)
	assert.Equal(t, "tiny", gotModel)

	_, err = r.Generate(context.Background(), "p", "vendor/model-x")
	require.NoError(t, err)
	assert.Equal(t, "vendor/model-x", gotModel)
}

func TestNewRouterErrors(t *testing.T) {
	_, err := NewRouter(nil, "")
	assert.Error(t, err)

	noop := &Echo{}
	_, err = NewRouter(map[string]Provider{"a": noop, "b": noop}, "")
	assert.Error(t, err, "ambiguous default")

	_, err = NewRouter(map[string]Provider{"a": noop}, "b")
	assert.Error(t, err)
}
