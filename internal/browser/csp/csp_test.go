package csp

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSourceAllowsMatchingOrigin(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("script-src https://cdn.example.com", false))
	assert.Equal(t, domain.CspAllow, e.Allows("script-src", "https://cdn.example.com/app.js", ""))
	assert.Equal(t, domain.CspBlock, e.Allows("script-src", "https://evil.example/app.js", ""))
}

func TestWildcardHostSubdomain(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("img-src *.example.com", false))
	assert.Equal(t, domain.CspAllow, e.Allows("img-src", "https://static.example.com/a.png", ""))
	assert.Equal(t, domain.CspBlock, e.Allows("img-src", "https://example.com/a.png", ""))
}

func TestDirectiveFallsBackToDefaultSrc(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("default-src 'self'; img-src *.example.com", false))
	// connect-src isn't set explicitly, falls back to default-src, which
	// has no host source matching this origin.
	assert.Equal(t, domain.CspBlock, e.Allows("connect-src", "https://api.example.com/data", ""))
}

func TestNonceAllowsInlineScript(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("script-src 'nonce-abc123'", false))
	assert.Equal(t, domain.CspAllow, e.AllowsInline("script-src", "abc123", ""))
	assert.Equal(t, domain.CspBlock, e.AllowsInline("script-src", "wrong", ""))
}

func TestHashAllowsInlineScript(t *testing.T) {
	e := NewEngine()
	// sha256("console.log(1)") base64, computed once and pinned here.
	require.NoError(t, e.ParsePolicy("script-src 'sha256-CihokcEcBW4atb/CW/XWsvWwbTjqwQlE9nj9ii5ww5M='", false))
	assert.Equal(t, domain.CspAllow, e.AllowsInline("script-src", "", "console.log(1)"))
}

func TestUnsafeEvalGatesEval(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("script-src 'unsafe-eval'", false))
	assert.Equal(t, domain.CspAllow, e.AllowsEval("script-src"))

	e2 := NewEngine()
	require.NoError(t, e2.ParsePolicy("script-src 'self'", false))
	assert.Equal(t, domain.CspBlock, e2.AllowsEval("script-src"))
}

func TestReportOnlyDowngradesBlockButRecordsViolation(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("script-src 'self'", true))
	v := e.Allows("script-src", "https://evil.example/x.js", "")
	assert.Equal(t, domain.CspReportOnly, v)
	assert.Len(t, e.Violations(), 1)
	assert.Equal(t, "script-src", e.Violations()[0].Directive)
}

func TestWildcardSourceAllowsAnyOrigin(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("img-src *", false))
	assert.Equal(t, domain.CspAllow, e.Allows("img-src", "https://anywhere.example/a.png", ""))
}

func TestHostSourceWithPortAndPath(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.ParsePolicy("connect-src https://api.example.com:8443/v1/", false))
	assert.Equal(t, domain.CspAllow, e.Allows("connect-src", "https://api.example.com:8443/v1/users", ""))
	assert.Equal(t, domain.CspBlock, e.Allows("connect-src", "https://api.example.com:9000/v1/users", ""))
	assert.Equal(t, domain.CspBlock, e.Allows("connect-src", "https://api.example.com:8443/v2/users", ""))
}
