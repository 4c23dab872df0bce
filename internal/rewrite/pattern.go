package rewrite

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSource      = errors.New("invalid rewrite source")
	ErrInvalidDestination = errors.New("invalid rewrite destination")
	ErrUnknownCapture     = errors.New("destination references unknown capture")
)

var (
	captureNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	// characters that belong to regex-style sources, which are not supported
	reservedLiteral = "*+?(){}[]\\"
)

// Modifiers accepted after a capture name.
const (
	modNone     byte = 0
	modOptional byte = '?'
	modZeroMore byte = '*'
	modOneMore  byte = '+'
)

type capture struct {
	name     string
	modifier byte
	group    int // named subexpression
	outer    int // subexpression including the leading "/", 0 when the capture is mandatory
}

func (c capture) optional() bool {
	return c.modifier == modOptional || c.modifier == modZeroMore
}

// Pattern is a compiled rewrite source such as "/api/:path*".
type Pattern struct {
	source   string
	re       *regexp.Regexp
	captures []capture
}

// CompilePattern parses a source path pattern. Every capture token has to
// occupy a whole path segment.
func CompilePattern(source string) (*Pattern, error) {
	if source == "" || source[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidSource, source)
	}

	trimmed := strings.TrimRight(source, "/")
	if trimmed == "" {
		re := regexp.MustCompile(`^/$`)
		return &Pattern{source: source, re: re}, nil
	}

	var (
		expr  strings.Builder
		caps  []capture
		seen  = make(map[string]bool)
		group int
	)
	// Literal segments match regardless of case.
	expr.WriteString("(?i)^")

	for _, seg := range strings.Split(trimmed[1:], "/") {
		if seg == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidSource, source)
		}

		if seg[0] != ':' {
			if strings.ContainsAny(seg, reservedLiteral+":") {
				return nil, fmt.Errorf("%w: %q: unsupported segment %q", ErrInvalidSource, source, seg)
			}
			expr.WriteString("/")
			expr.WriteString(regexp.QuoteMeta(seg))
			continue
		}

		name, mod := seg[1:], modNone
		if n := len(name); n > 0 && strings.IndexByte("?*+", name[n-1]) >= 0 {
			mod = name[n-1]
			name = name[:n-1]
		}
		if !captureNameRe.MatchString(name) {
			return nil, fmt.Errorf("%w: %q: bad capture %q", ErrInvalidSource, source, seg)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q: capture %q declared twice", ErrInvalidSource, source, name)
		}
		seen[name] = true

		c := capture{name: name, modifier: mod}
		switch mod {
		case modNone:
			group++
			c.group = group
			fmt.Fprintf(&expr, `/(?P<%s>[^/]+)`, name)
		case modOneMore:
			group++
			c.group = group
			fmt.Fprintf(&expr, `/(?P<%s>[^/]+(?:/[^/]+)*)`, name)
		case modOptional:
			group += 2
			c.outer, c.group = group-1, group
			fmt.Fprintf(&expr, `(/(?P<%s>[^/]+))?`, name)
		case modZeroMore:
			group += 2
			c.outer, c.group = group-1, group
			fmt.Fprintf(&expr, `(/(?P<%s>[^/]+(?:/[^/]+)*))?`, name)
		}
		caps = append(caps, c)
	}
	expr.WriteString("/?$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSource, source, err)
	}
	return &Pattern{source: source, re: re, captures: caps}, nil
}

// Match reports whether the escaped request path matches and returns the
// captured values in their escaped form.
func (p *Pattern) Match(escapedPath string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(escapedPath)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.captures))
	for _, c := range p.captures {
		params[c.name] = m[c.group]
	}
	return params, true
}

func (p *Pattern) String() string { return p.source }

// Regexp returns the RE2 expression the pattern compiles to.
func (p *Pattern) Regexp() string { return p.re.String() }

func (p *Pattern) lookup(name string) (capture, bool) {
	for _, c := range p.captures {
		if c.name == name {
			return c, true
		}
	}
	return capture{}, false
}
