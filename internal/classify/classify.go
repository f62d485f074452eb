// Package classify decides, before any network I/O, whether a source
// URL can be fetched with a plain HTTP GET, needs a headless browser, or
// cannot yield a document at all.
package classify

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Rule is one entry in an ordered pattern list. Exactly one of Suffix,
// Substring, or Regex should be set.
type Rule struct {
	Suffix    string
	Substring string
	Regex     *regexp.Regexp
}

func (r Rule) matches(lower string) bool {
	switch {
	case r.Suffix != "":
		return strings.HasSuffix(lower, r.Suffix)
	case r.Substring != "":
		return strings.Contains(lower, r.Substring)
	case r.Regex != nil:
		return r.Regex.MatchString(lower)
	default:
		return false
	}
}

// Counts tracks how many URLs landed on each verdict over a run, for
// monitoring (spec §4.5).
type Counts struct {
	Direct        int64
	Rendered      int64
	Unfetchable   int64
	LowConfidence int64
}

// Classifier holds the ordered rule lists loaded once at startup.
type Classifier struct {
	unfetchable []Rule
	direct      []Rule
	rendered    []Rule

	counts Counts
}

// DefaultRules returns the rule lists matching the target domain's
// observed structure (spec §4.5): fragment-only pages are unfetchable,
// PDF/download/judgment/doc pages are direct, and search pages, browse
// pages and any URL with a query string need rendering.
func DefaultRules() ([]Rule, []Rule, []Rule) {
	unfetchable := []Rule{
		{Substring: "/docfragment/"},
		{Substring: "/fragment/"},
	}
	direct := []Rule{
		{Suffix: ".pdf"},
		{Regex: regexp.MustCompile(`/doc/\d+`)},
		{Regex: regexp.MustCompile(`/judgment/\d+`)},
		{Substring: "/download/"},
	}
	rendered := []Rule{
		{Substring: "/search/"},
		{Substring: "/browse/"},
		{Substring: "?"},
	}
	return unfetchable, direct, rendered
}

// New builds a Classifier from explicit rule lists, in priority order:
// unfetchable is checked first, then direct, then rendered.
func New(unfetchable, direct, rendered []Rule) *Classifier {
	return &Classifier{unfetchable: unfetchable, direct: direct, rendered: rendered}
}

// NewDefault builds a Classifier using DefaultRules.
func NewDefault() *Classifier {
	u, d, r := DefaultRules()
	return New(u, d, r)
}

// Verdict reports the engine's name for a classification outcome. It is
// defined here rather than imported from model to keep this package
// dependency-free of the catalog/model wiring; internal/dispatch
// converts to model.Verdict at the boundary.
type Verdict string

const (
	Direct      Verdict = "direct"
	Rendered    Verdict = "rendered"
	Unfetchable Verdict = "unfetchable"
)

// Classify produces a verdict for sourceURL. Unknown URLs default to
// direct with a low-confidence flag, per spec §4.5.
func (c *Classifier) Classify(sourceURL string) (verdict Verdict, confident bool) {
	lower := strings.ToLower(sourceURL)

	for _, rule := range c.unfetchable {
		if rule.matches(lower) {
			atomic.AddInt64(&c.counts.Unfetchable, 1)
			return Unfetchable, true
		}
	}
	for _, rule := range c.direct {
		if rule.matches(lower) {
			atomic.AddInt64(&c.counts.Direct, 1)
			return Direct, true
		}
	}
	for _, rule := range c.rendered {
		if rule.matches(lower) {
			atomic.AddInt64(&c.counts.Rendered, 1)
			return Rendered, true
		}
	}

	atomic.AddInt64(&c.counts.Direct, 1)
	atomic.AddInt64(&c.counts.LowConfidence, 1)
	return Direct, false
}

// Counts returns a snapshot of the per-verdict tallies seen so far.
func (c *Classifier) Counts() Counts {
	return Counts{
		Direct:        atomic.LoadInt64(&c.counts.Direct),
		Rendered:      atomic.LoadInt64(&c.counts.Rendered),
		Unfetchable:   atomic.LoadInt64(&c.counts.Unfetchable),
		LowConfidence: atomic.LoadInt64(&c.counts.LowConfidence),
	}
}
