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

package domain

// FetchResult is what HttpClientIface.Fetch returns to a caller: the
// decoded response body plus enough metadata to drive a CSP check.
type FetchResult struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// HttpClientIface is the C8 HTTP/1.1 fetch pipeline (spec.md §4.8.1).
type HttpClientIface interface {
	Fetch(rawURL string) (FetchResult, error)
}

// CspVerdict is the result of matching one resource load against one
// directive (spec.md §4.8.3).
type CspVerdict int

const (
	CspAllow CspVerdict = iota
	CspBlock
	CspReportOnly
)

// CspViolation records one blocked (or report-only) load for a document
// context.
type CspViolation struct {
	Directive     string
	BlockedURI    string
	SourceFile    string
	SourceLine    int
}

// CspEngineIface parses and evaluates Content-Security-Policy headers
// (spec.md §4.8.3).
type CspEngineIface interface {
	ParsePolicy(header string, reportOnly bool) error
	Allows(directive, url string, nonce string) CspVerdict
	AllowsInline(directive, nonce, body string) CspVerdict
	AllowsEval(directive string) CspVerdict
	Violations() []CspViolation
}
