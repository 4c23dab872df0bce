// Package rewrite compiles ordered path rewrite rules and resolves request
// paths against them. The first rule whose source matches wins.
package rewrite

import (
	"fmt"
	"net/url"
)

// Table is an immutable, ordered set of compiled rules.
type Table struct {
	rules []*CompiledRule
}

// Resolution describes the rule that matched a request and where it goes.
type Resolution struct {
	Index  int
	Rule   Rule
	Params map[string]string
	Target *url.URL
}

// NewTable compiles rules in declaration order.
func NewTable(rules []Rule) (*Table, error) {
	compiled := make([]*CompiledRule, 0, len(rules))
	for i, rule := range rules {
		cr, err := Compile(rule)
		if err != nil {
			return nil, fmt.Errorf("rewrite %d: %w", i, err)
		}
		compiled = append(compiled, cr)
	}
	return &Table{rules: compiled}, nil
}

func (t *Table) Len() int {
	return len(t.rules)
}

func (t *Table) At(i int) *CompiledRule {
	return t.rules[i]
}

// Rules returns a copy of the declared rules.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, cr := range t.rules {
		out[i] = cr.rule
	}
	return out
}

// Resolve returns the first rule matching the escaped path along with the
// expanded destination.
func (t *Table) Resolve(escapedPath, rawQuery string) (Resolution, bool) {
	for i, cr := range t.rules {
		params, ok := cr.Match(escapedPath)
		if !ok {
			continue
		}
		return Resolution{
			Index:  i,
			Rule:   cr.rule,
			Params: params,
			Target: cr.Expand(params, rawQuery),
		}, true
	}
	return Resolution{}, false
}

// Upstreams lists the distinct destination origins in first-seen order.
func (t *Table) Upstreams() []*url.URL {
	seen := make(map[string]bool)
	var out []*url.URL
	for _, cr := range t.rules {
		u := cr.Upstream()
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		out = append(out, u)
	}
	return out
}
