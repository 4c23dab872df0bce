package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Rule maps an incoming path pattern to a destination URL template.
type Rule struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
}

var destTokenRe = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)[*+?]?`)

type piece struct {
	literal string
	capture string
}

// template is a destination split into pieces, literals and capture references.
type template []piece

func parseTemplate(s string) template {
	var t template
	last := 0
	for _, loc := range destTokenRe.FindAllStringSubmatchIndex(s, -1) {
		if loc[0] > last {
			t = append(t, piece{literal: s[last:loc[0]]})
		}
		t = append(t, piece{capture: s[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(s) {
		t = append(t, piece{literal: s[last:]})
	}
	return t
}

// CompiledRule is a validated Rule ready for matching.
type CompiledRule struct {
	rule     Rule
	pattern  *Pattern
	upstream *url.URL
	path     template
	query    template
	used     map[string]bool
}

// Compile validates a rule. Every capture referenced by the destination must
// be declared by the source.
func Compile(rule Rule) (*CompiledRule, error) {
	pattern, err := CompilePattern(rule.Source)
	if err != nil {
		return nil, err
	}

	dest := rule.Destination
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDestination, dest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidDestination, dest)
	}

	// Captures are only substituted after the authority, where ":8000" is a port.
	rest := dest[strings.Index(dest, "://")+3:]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[i:]
	} else {
		rest = ""
	}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	rawPath, rawQuery, _ := strings.Cut(rest, "?")

	cr := &CompiledRule{
		rule:     rule,
		pattern:  pattern,
		upstream: &url.URL{Scheme: u.Scheme, Host: u.Host},
		path:     parseTemplate(rawPath),
		query:    parseTemplate(rawQuery),
		used:     make(map[string]bool),
	}

	for _, t := range []template{cr.path, cr.query} {
		for _, p := range t {
			if p.capture == "" {
				continue
			}
			if _, ok := pattern.lookup(p.capture); !ok {
				return nil, fmt.Errorf("%w: %q in %q (source %q)", ErrUnknownCapture, p.capture, dest, rule.Source)
			}
			cr.used[p.capture] = true
		}
	}
	return cr, nil
}

func (r *CompiledRule) Rule() Rule {
	return r.rule
}

func (r *CompiledRule) Pattern() *Pattern {
	return r.pattern
}

// Upstream returns the scheme and host the rule forwards to.
func (r *CompiledRule) Upstream() *url.URL {
	u := *r.upstream
	return &u
}

func (r *CompiledRule) Match(escapedPath string) (map[string]string, bool) {
	return r.pattern.Match(escapedPath)
}

// Expand builds the destination URL from captured values and the incoming raw
// query. An empty optional capture drops the "/" in front of it.
func (r *CompiledRule) Expand(params map[string]string, rawQuery string) *url.URL {
	var path strings.Builder
	for _, p := range r.path {
		if p.capture == "" {
			path.WriteString(p.literal)
			continue
		}
		v := params[p.capture]
		if c, _ := r.pattern.lookup(p.capture); v == "" && c.optional() {
			if s := path.String(); strings.HasSuffix(s, "/") {
				path.Reset()
				path.WriteString(strings.TrimSuffix(s, "/"))
			}
		}
		path.WriteString(v)
	}
	escaped := path.String()
	if escaped == "" {
		escaped = "/"
	}

	var query []string
	if q := r.expandQuery(params); q != "" {
		query = append(query, q)
	}
	for _, c := range r.pattern.captures {
		v := params[c.name]
		if r.used[c.name] || v == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = unescaped
		}
		query = append(query, url.QueryEscape(c.name)+"="+url.QueryEscape(v))
	}
	if rawQuery != "" {
		query = append(query, rawQuery)
	}

	u := r.Upstream()
	u.RawQuery = strings.Join(query, "&")
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		u.Path = unescaped
		u.RawPath = escaped
	} else {
		u.Path = escaped
	}
	return u
}

func (r *CompiledRule) expandQuery(params map[string]string) string {
	var b strings.Builder
	for _, p := range r.query {
		if p.capture == "" {
			b.WriteString(p.literal)
			continue
		}
		v := params[p.capture]
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = url.QueryEscape(unescaped)
		}
		b.WriteString(v)
	}
	return b.String()
}

// EnvoyRegex is the safe_regex route matcher for this rule.
func (r *CompiledRule) EnvoyRegex() string { return r.pattern.Regexp() }

// EnvoySubstitution is the regex_rewrite substitution for the destination
// path. Optional captures reference the group that includes their leading
// "/", so an empty capture collapses the same way Expand does.
func (r *CompiledRule) EnvoySubstitution() string {
	var b strings.Builder
	for _, p := range r.path {
		if p.capture == "" {
			b.WriteString(p.literal)
			continue
		}
		c, _ := r.pattern.lookup(p.capture)
		if c.optional() && strings.HasSuffix(b.String(), "/") {
			s := strings.TrimSuffix(b.String(), "/")
			b.Reset()
			b.WriteString(s)
			b.WriteString(`\` + strconv.Itoa(c.outer))
			continue
		}
		b.WriteString(`\` + strconv.Itoa(c.group))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// HasQuery reports whether the destination carries its own query template,
// which Envoy route rewrites cannot express.
func (r *CompiledRule) HasQuery() bool { return len(r.query) > 0 }
