package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/runs", nil)
	_, err := ExtractBearerToken(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = ExtractBearerToken(r)
	assert.ErrorIs(t, err, ErrMalformed)

	r.Header.Set("Authorization", "Bearer  secret ")
	tok, err := ExtractBearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	q := httptest.NewRequest("GET", "/events?token=sse-token", nil)
	tok, err = ExtractBearerToken(q)
	require.NoError(t, err)
	assert.Equal(t, "sse-token", tok)
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"runs:ro"}},
		{Token: "writer", Scopes: []string{" templates:rw ", ""}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, HasAnyScope(p, ScopeRunsWrite))

	p, ok = Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "token-0", p.Name)
	assert.True(t, HasAnyScope(p, ScopeRunsRead))
	assert.False(t, HasAnyScope(p, ScopeRunsWrite))

	p, ok = Authenticate("writer", "", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeTmplRead), "rw implies ro")
	assert.True(t, HasAnyScope(p, ScopeTmplWrite))
	assert.False(t, HasAnyScope(p, ScopeEventsRead))

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty legacy key never matches")
}

func TestHasAnyScopeNoRequirement(t *testing.T) {
	assert.True(t, HasAnyScope(Principal{}))
}
