// Package router resolves inbound requests against the route table stored
// in the shared store. Resolution is dual-strategy: an exact-match index for
// literal URLs and an ordered regex list for parameterized templates, both
// rebuilt wholesale with bounded staleness.
package router

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Route is the admission policy for one (method, URL template) pair. It is
// immutable per refresh epoch: the resolver never mutates entries in place,
// it replaces the whole index.
type Route struct {
	// Method is the HTTP request method.
	Method string `json:"method"`

	// URL is the interface URL template. Parameter segments use the
	// {name} form, e.g. /base/user/v1.0/users/{id}.
	URL string `json:"url"`

	// AuthCode is the capability code required to call the interface.
	// Empty means authentication only.
	AuthCode string `json:"authCode,omitempty"`

	// Verify indicates the interface requires an authenticated caller.
	Verify bool `json:"isVerify"`

	// Limit enables rate limiting for the interface.
	Limit bool `json:"isLimit"`

	// LimitGap is the minimum interval between calls in seconds.
	// Zero disables the gap check.
	LimitGap int `json:"limitGap,omitempty"`

	// LimitCycle is the rate limit window in seconds. Zero disables the
	// cycle check.
	LimitCycle int `json:"limitCycle,omitempty"`

	// LimitMax is the maximum number of calls per cycle.
	LimitMax int `json:"limitMax,omitempty"`

	// Message is the denial message returned when the caller is limited.
	Message string `json:"message,omitempty"`

	// NeedToken indicates the interface requires a one-time submit token.
	NeedToken bool `json:"isNeedToken"`

	// LogResult enables response body logging for the interface.
	LogResult bool `json:"isLogResult"`
}

// Key returns the exact-match index key for the route.
func (r *Route) Key() string {
	return r.Method + ":" + r.URL
}

// HasParams reports whether the URL template contains parameter segments.
func (r *Route) HasParams() bool {
	return strings.Contains(r.URL, "{")
}

// compiledRoute pairs a parameterized route with its compiled matcher.
type compiledRoute struct {
	route *Route
	regex *regexp.Regexp
}

// paramPattern matches one path parameter value: a 32-character hex token
// or a 1-19 digit integer.
const paramPattern = `([0-9a-f]{32}|[0-9]{1,19})`

// paramSegment matches a {name} segment in a URL template.
var paramSegment = regexp.MustCompile(`\{[^/}]+\}`)

// regexCacheSize bounds the compiled-pattern cache. Route tables are small
// relative to this, so in practice every pattern stays cached across
// refresh epochs.
const regexCacheSize = 1024

// regexCache caches compiled templates across index rebuilds so a refresh
// does not recompile every parameterized route.
var regexCache, _ = lru.New[string, *regexp.Regexp](regexCacheSize)

// compileTemplate compiles a URL template into an anchored regex where each
// parameter segment matches paramPattern.
func compileTemplate(template string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(template); ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")

	rest := template
	for {
		loc := paramSegment.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(paramPattern)
		rest = rest[loc[1]:]
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile route template %q: %w", template, err)
	}

	regexCache.Add(template, re)

	return re, nil
}
