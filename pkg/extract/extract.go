// Package extract pulls verification artifacts (one-time codes and single-use
// links) out of raw email payloads.
//
// Extraction is an ordered list of matcher strategies per artifact kind. The
// first matcher that produces a value wins, so the most specific patterns are
// listed first.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the type of artifact to extract.
type Kind int

const (
	KindCode Kind = iota
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v

	return nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code", "otp", "":
		return KindCode, nil
	case "link", "url":
		return KindLink, nil
	default:
		return 0, fmt.Errorf("extract: unknown artifact kind %q", s)
	}
}

// Matcher is one extraction strategy.
type Matcher interface {
	Name() string
	Match(doc *Document) (string, bool)
}

type Option func(*Extractor)

// WithCodeMatchers replaces the code strategies.
func WithCodeMatchers(m ...Matcher) Option {
	return func(e *Extractor) {
		e.matchers[KindCode] = m
	}
}

// WithLinkMatchers replaces the link strategies.
func WithLinkMatchers(m ...Matcher) Option {
	return func(e *Extractor) {
		e.matchers[KindLink] = m
	}
}

// Extractor runs the strategies for a kind in priority order.
type Extractor struct {
	matchers map[Kind][]Matcher
}

func New(opts ...Option) *Extractor {
	e := &Extractor{
		matchers: map[Kind][]Matcher{
			KindCode: DefaultCodeMatchers(),
			KindLink: DefaultLinkMatchers(),
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Extract parses raw and returns the first artifact of the given kind, or ""
// when no strategy matched. Only malformed payloads produce an error.
func (e *Extractor) Extract(raw []byte, kind Kind) (string, error) {
	doc, err := Parse(raw)
	if err != nil {
		return "", err
	}

	return e.ExtractDocument(doc, kind), nil
}

// ExtractDocument runs the strategies against an already parsed document.
func (e *Extractor) ExtractDocument(doc *Document, kind Kind) string {
	for _, m := range e.matchers[kind] {
		if v, ok := m.Match(doc); ok {
			return v
		}
	}

	return ""
}

// RegexpMatcher matches the subject and text of a document and returns the
// first capture group.
type RegexpMatcher struct {
	name string
	re   *regexp.Regexp
}

func NewRegexpMatcher(name, pattern string) *RegexpMatcher {
	return &RegexpMatcher{name: name, re: regexp.MustCompile(pattern)}
}

func (m *RegexpMatcher) Name() string { return m.name }

func (m *RegexpMatcher) Match(doc *Document) (string, bool) {
	for _, s := range []string{doc.Subject, doc.Text} {
		sub := m.re.FindStringSubmatch(s)
		if len(sub) < 2 {
			continue
		}
		v := strings.Join(sub[1:], "")
		if v != "" {
			return v, true
		}
	}

	return "", false
}

// LinkMatcher returns the first link that contains one of the keywords. With
// no keywords it returns the first https link.
type LinkMatcher struct {
	name     string
	keywords []string
}

func NewLinkMatcher(name string, keywords ...string) *LinkMatcher {
	return &LinkMatcher{name: name, keywords: keywords}
}

func (m *LinkMatcher) Name() string { return m.name }

func (m *LinkMatcher) Match(doc *Document) (string, bool) {
	for _, l := range doc.Links {
		lower := strings.ToLower(l)
		if !strings.HasPrefix(lower, "https://") {
			continue
		}
		if len(m.keywords) == 0 {
			return l, true
		}
		for _, k := range m.keywords {
			if strings.Contains(lower, k) {
				return l, true
			}
		}
	}

	return "", false
}

func DefaultCodeMatchers() []Matcher {
	return []Matcher{
		NewRegexpMatcher("keyword", `(?i)(?:code|otp|passcode|pin|verification|one[- ]time)\D{0,40}?\b(\d{4,8})\b`),
		NewRegexpMatcher("split", `(?i)(?:code|otp|passcode)\D{0,40}?\b(\d{3})[ -](\d{3})\b`),
		NewRegexpMatcher("six-digit", `\b(\d{6})\b`),
	}
}

func DefaultLinkMatchers() []Matcher {
	return []Matcher{
		NewLinkMatcher("verify", "verify", "verification", "confirm", "magic", "activate"),
		NewLinkMatcher("login", "login", "signin", "sign-in", "auth", "token"),
		NewLinkMatcher("any"),
	}
}
