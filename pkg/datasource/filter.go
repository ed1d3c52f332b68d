package datasource

import (
	"errors"
	"fmt"
	"strings"
)

// maxFilterDepth bounds nesting of &, | and ! so parsing stays on a small stack.
const maxFilterDepth = 64

var errFilterTooDeep = errors.New("filter nesting exceeds limit")

// filter is a compiled subset of RFC 4515 search filters: equality,
// presence, trailing-wildcard substring and the &, | and ! combinators.
type filter interface {
	match(e *entry) bool
}

type andFilter []filter

func (f andFilter) match(e *entry) bool {
	for _, sub := range f {
		if !sub.match(e) {
			return false
		}
	}
	return true
}

type orFilter []filter

func (f orFilter) match(e *entry) bool {
	for _, sub := range f {
		if sub.match(e) {
			return true
		}
	}
	return false
}

type notFilter struct{ inner filter }

func (f notFilter) match(e *entry) bool { return !f.inner.match(e) }

type presentFilter struct{ attr string }

func (f presentFilter) match(e *entry) bool {
	return len(e.values(f.attr)) > 0
}

type equalityFilter struct {
	attr   string
	value  string
	prefix bool
}

func (f equalityFilter) match(e *entry) bool {
	for _, v := range e.values(f.attr) {
		if f.prefix && strings.HasPrefix(strings.ToLower(v), f.value) {
			return true
		}
		if !f.prefix && strings.EqualFold(v, f.value) {
			return true
		}
	}
	return false
}

type matchAll struct{}

func (matchAll) match(*entry) bool { return true }

// parseFilter compiles text. An empty filter matches every entry.
func parseFilter(text string) (filter, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return matchAll{}, nil
	}
	f, rest, err := parseComponent(text, 0)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, fmt.Errorf("unexpected trailing filter text %q", rest)
	}
	return f, nil
}

func parseComponent(text string, depth int) (filter, string, error) {
	if depth >= maxFilterDepth {
		return nil, "", fmt.Errorf("%w of %d", errFilterTooDeep, maxFilterDepth)
	}
	if !strings.HasPrefix(text, "(") {
		return nil, "", fmt.Errorf("filter component must start with '(': %q", text)
	}
	body := text[1:]
	if body == "" {
		return nil, "", fmt.Errorf("unterminated filter %q", text)
	}

	switch body[0] {
	case '&', '|':
		op := body[0]
		rest := body[1:]
		var subs []filter
		for strings.HasPrefix(rest, "(") {
			sub, next, err := parseComponent(rest, depth+1)
			if err != nil {
				return nil, "", err
			}
			subs = append(subs, sub)
			rest = next
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated filter set in %q", text)
		}
		if len(subs) == 0 {
			return nil, "", fmt.Errorf("empty filter set in %q", text)
		}
		if op == '&' {
			return andFilter(subs), rest[1:], nil
		}
		return orFilter(subs), rest[1:], nil
	case '!':
		inner, rest, err := parseComponent(body[1:], depth+1)
		if err != nil {
			return nil, "", err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated negation in %q", text)
		}
		return notFilter{inner: inner}, rest[1:], nil
	}

	end := strings.IndexByte(body, ')')
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated filter %q", text)
	}
	item := body[:end]
	attr, value, ok := strings.Cut(item, "=")
	attr = strings.TrimSpace(attr)
	if !ok || attr == "" {
		return nil, "", fmt.Errorf("invalid filter item %q", item)
	}

	switch {
	case value == "*":
		return presentFilter{attr: attr}, body[end+1:], nil
	case strings.Count(value, "*") == 1 && strings.HasSuffix(value, "*"):
		return equalityFilter{attr: attr, value: strings.ToLower(strings.TrimSuffix(value, "*")), prefix: true}, body[end+1:], nil
	case strings.Contains(value, "*"):
		return nil, "", fmt.Errorf("unsupported substring filter %q", item)
	default:
		return equalityFilter{attr: attr, value: value}, body[end+1:], nil
	}
}
