//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package csp parses Content-Security-Policy headers and evaluates
// resource loads against them (spec.md §4.8.3).
package csp

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"

	"github.com/nestybox/kernelcore/domain"
)

// sourceKind discriminates the source-expression grammar spec.md §4.8.3
// enumerates.
type sourceKind int

const (
	srcSelf sourceKind = iota
	srcWildcard
	srcNone
	srcUnsafeInline
	srcUnsafeEval
	srcWasmUnsafeEval
	srcStrictDynamic
	srcNonce
	srcHash
	srcScheme
	srcHost
)

type sourceExpr struct {
	kind   sourceKind
	nonce  string // srcNonce
	alg    string // srcHash: sha256, sha384, sha512
	digest string // srcHash
	scheme string // srcScheme, srcHost (optional)
	host   string // srcHost, may start with "*."
	port   string // srcHost, optional
	path   string // srcHost, optional prefix
}

type directive struct {
	sources []sourceExpr
}

// Engine is one parsed policy plus the violations it has recorded.
type Engine struct {
	mu         sync.Mutex
	directives map[string]directive
	reportOnly bool
	violations []domain.CspViolation
}

func NewEngine() *Engine {
	return &Engine{directives: make(map[string]directive)}
}

var _ domain.CspEngineIface = (*Engine)(nil)

// ParsePolicy parses a `Content-Security-Policy` (or `-Report-Only`)
// header value: directives are `;`-separated, each a type followed by
// space-separated source expressions.
func (e *Engine) ParsePolicy(header string, reportOnly bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reportOnly = reportOnly
	e.directives = make(map[string]directive)

	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		name := fields[0]
		var sources []sourceExpr
		for _, tok := range fields[1:] {
			sources = append(sources, parseSourceExpr(tok))
		}
		e.directives[name] = directive{sources: sources}
	}
	return nil
}

func parseSourceExpr(tok string) sourceExpr {
	switch tok {
	case "'self'":
		return sourceExpr{kind: srcSelf}
	case "*":
		return sourceExpr{kind: srcWildcard}
	case "'none'":
		return sourceExpr{kind: srcNone}
	case "'unsafe-inline'":
		return sourceExpr{kind: srcUnsafeInline}
	case "'unsafe-eval'":
		return sourceExpr{kind: srcUnsafeEval}
	case "'wasm-unsafe-eval'":
		return sourceExpr{kind: srcWasmUnsafeEval}
	case "'strict-dynamic'":
		return sourceExpr{kind: srcStrictDynamic}
	}

	if strings.HasPrefix(tok, "'nonce-") && strings.HasSuffix(tok, "'") {
		return sourceExpr{kind: srcNonce, nonce: tok[len("'nonce-") : len(tok)-1]}
	}
	for _, alg := range []string{"sha256", "sha384", "sha512"} {
		prefix := "'" + alg + "-"
		if strings.HasPrefix(tok, prefix) && strings.HasSuffix(tok, "'") {
			return sourceExpr{kind: srcHash, alg: alg, digest: tok[len(prefix) : len(tok)-1]}
		}
	}
	if strings.HasSuffix(tok, ":") && !strings.Contains(tok, "/") {
		return sourceExpr{kind: srcScheme, scheme: strings.TrimSuffix(tok, ":")}
	}
	return parseHostSource(tok)
}

func parseHostSource(tok string) sourceExpr {
	s := tok
	var scheme string
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = s[:i]
		s = s[i+3:]
	}
	var path string
	if i := strings.Index(s, "/"); i >= 0 {
		path = s[i:]
		s = s[:i]
	}
	var port string
	if i := strings.LastIndex(s, ":"); i >= 0 {
		port = s[i+1:]
		s = s[:i]
	}
	return sourceExpr{kind: srcHost, scheme: scheme, host: s, port: port, path: path}
}

// lookup resolves a directive, falling back to default-src when the
// specific directive was never set (spec.md §4.8.3).
func (e *Engine) lookup(name string) (directive, bool) {
	if d, ok := e.directives[name]; ok {
		return d, true
	}
	if d, ok := e.directives["default-src"]; ok {
		return d, true
	}
	return directive{}, false
}

func (e *Engine) verdictFor(blocked bool, directiveName, blockedURI string) domain.CspVerdict {
	if !blocked {
		return domain.CspAllow
	}
	e.mu.Lock()
	e.violations = append(e.violations, domain.CspViolation{
		Directive:  directiveName,
		BlockedURI: blockedURI,
	})
	e.mu.Unlock()
	if e.reportOnly {
		return domain.CspReportOnly
	}
	return domain.CspBlock
}

// Allows evaluates a network-fetch style source (script-src, img-src,
// connect-src, ...) against the resolved URL.
func (e *Engine) Allows(directiveName, rawURL string, nonce string) domain.CspVerdict {
	e.mu.Lock()
	d, ok := e.lookup(directiveName)
	e.mu.Unlock()
	if !ok {
		return domain.CspAllow // no policy constrains this directive
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return e.verdictFor(true, directiveName, rawURL)
	}

	for _, src := range d.sources {
		if src.kind == srcNone {
			continue
		}
		if matchesFetchSource(src, u, nonce) {
			return domain.CspAllow
		}
	}
	return e.verdictFor(true, directiveName, rawURL)
}

func matchesFetchSource(src sourceExpr, u *url.URL, nonce string) bool {
	switch src.kind {
	case srcWildcard:
		return true
	case srcSelf:
		return false // self-origin comparison needs document-origin context the engine doesn't hold; callers scope this via host sources instead
	case srcNonce:
		return nonce != "" && src.nonce == nonce
	case srcScheme:
		return strings.EqualFold(u.Scheme, src.scheme)
	case srcHost:
		return matchesHost(src, u)
	default:
		return false
	}
}

func matchesHost(src sourceExpr, u *url.URL) bool {
	if src.scheme != "" && !strings.EqualFold(u.Scheme, src.scheme) {
		return false
	}
	host := u.Hostname()
	if strings.HasPrefix(src.host, "*.") {
		suffix := src.host[1:] // keep the leading dot
		if !strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
			return false
		}
	} else if !strings.EqualFold(host, src.host) {
		return false
	}
	if src.port != "" {
		port := u.Port()
		if port == "" {
			port = defaultPortFor(u.Scheme)
		}
		if port != src.port {
			return false
		}
	}
	if src.path != "" && !strings.HasPrefix(u.Path, src.path) {
		return false
	}
	return true
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

// AllowsInline evaluates an inline script/style block, permitted only
// by 'unsafe-inline', a matching nonce, or a hash source whose digest
// matches the hash of body computed here.
func (e *Engine) AllowsInline(directiveName, nonce, body string) domain.CspVerdict {
	e.mu.Lock()
	d, ok := e.lookup(directiveName)
	e.mu.Unlock()
	if !ok {
		return domain.CspAllow
	}

	for _, src := range d.sources {
		switch src.kind {
		case srcUnsafeInline:
			return domain.CspAllow
		case srcNonce:
			if nonce != "" && src.nonce == nonce {
				return domain.CspAllow
			}
		case srcHash:
			if body != "" && hashMatches(src, body) {
				return domain.CspAllow
			}
		}
	}
	return e.verdictFor(true, directiveName, "inline")
}

func hashMatches(src sourceExpr, body string) bool {
	var sum []byte
	switch src.alg {
	case "sha256":
		s := sha256.Sum256([]byte(body))
		sum = s[:]
	case "sha384":
		s := sha512.Sum384([]byte(body))
		sum = s[:]
	case "sha512":
		s := sha512.Sum512([]byte(body))
		sum = s[:]
	default:
		return false
	}
	return base64.StdEncoding.EncodeToString(sum) == src.digest
}

// AllowsEval evaluates a dynamic-code-execution request (`eval`,
// `new Function`), permitted only by 'unsafe-eval'.
func (e *Engine) AllowsEval(directiveName string) domain.CspVerdict {
	e.mu.Lock()
	d, ok := e.lookup(directiveName)
	e.mu.Unlock()
	if !ok {
		return domain.CspAllow
	}
	for _, src := range d.sources {
		if src.kind == srcUnsafeEval {
			return domain.CspAllow
		}
	}
	return e.verdictFor(true, directiveName, "eval")
}

func (e *Engine) Violations() []domain.CspViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.CspViolation, len(e.violations))
	copy(out, e.violations)
	return out
}
