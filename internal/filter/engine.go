// Package filter implements keyword and regex refinement of search results.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"listing_bot/internal/model"
)

type rule struct {
	scope   model.FilterScope
	include bool
	word    string
	re      *regexp.Regexp
}

// Matcher is a compiled set of filters. The zero Matcher passes everything.
// Include rules are OR'ed: at least one must match when any exist.
// Exclude rules veto: none may match.
type Matcher struct {
	rules       []rule
	hasIncludes bool
}

// Compile prepares filters for repeated matching. Regular expressions are
// case-insensitive; an invalid one fails the whole set.
func Compile(filters []model.Filter) (*Matcher, error) {
	m := &Matcher{rules: make([]rule, 0, len(filters))}
	for _, f := range filters {
		r := rule{scope: f.Scope}
		switch f.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			r.include = true
			m.hasIncludes = true
		case model.FilterExclude, model.FilterExcludeRe:
		default:
			return nil, fmt.Errorf("filter %d: unknown kind %q", f.ID, f.Kind)
		}
		switch f.Kind {
		case model.FilterIncludeRe, model.FilterExcludeRe:
			re, err := regexp.Compile("(?i)" + f.Value)
			if err != nil {
				return nil, fmt.Errorf("filter %d: invalid regex: %w", f.ID, err)
			}
			r.re = re
		default:
			r.word = strings.ToLower(f.Value)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Match reports whether a listing passes the filters.
func (m *Matcher) Match(l model.Listing) bool {
	if m == nil || len(m.rules) == 0 {
		return true
	}

	anyIncludeMatched := false
	for _, r := range m.rules {
		hit := r.matches(l)
		if !r.include && hit {
			return false
		}
		if r.include && hit {
			anyIncludeMatched = true
		}
	}
	return !m.hasIncludes || anyIncludeMatched
}

// Apply returns the listings that pass, preserving order.
func (m *Matcher) Apply(listings []model.Listing) []model.Listing {
	if m == nil || len(m.rules) == 0 {
		return listings
	}
	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if m.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

func (r rule) matches(l model.Listing) bool {
	text := textForScope(l, r.scope)
	if r.re != nil {
		return r.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), r.word)
}

func textForScope(l model.Listing, scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return l.Title
	case model.ScopeContent:
		return l.Description
	default:
		return l.Title + " " + l.Description
	}
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
