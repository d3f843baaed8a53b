package eventbus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowforge/taskflow/pkg/model"
)

const (
	FieldSource  = "source"
	FieldType    = "type"
	detailPrefix = "detail."
)

// Pattern maps an event field to its allowed values. Fields are "source", "type" or
// "detail.<path>" with dotted paths into the detail object. One value is an exact match,
// several values match any of them. Every field must match for the pattern to match.
type Pattern map[string][]string

// Fields returns the pattern's field names in sorted order.
func (p Pattern) Fields() []string {
	fields := make([]string, 0, len(p))
	for field := range p {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

type predicateKind int

const (
	predicateExact predicateKind = iota
	predicateOneOf
)

type predicate struct {
	field  string
	kind   predicateKind
	value  string
	values map[string]struct{}
}

func (p predicate) match(fields map[string]string) bool {
	value, ok := fields[p.field]
	if !ok {
		return false
	}
	switch p.kind {
	case predicateExact:
		return value == p.value
	case predicateOneOf:
		_, ok := p.values[value]
		return ok
	}
	return false
}

// Matcher is a compiled pattern.
type Matcher struct {
	predicates []predicate
}

// Compile validates a pattern and builds its predicate list.
func Compile(pattern Pattern) (*Matcher, error) {
	if len(pattern) == 0 {
		return nil, fmt.Errorf("%w: pattern has no fields", model.ErrInvalidPattern)
	}

	matcher := &Matcher{}
	for _, field := range pattern.Fields() {
		if err := validateField(field); err != nil {
			return nil, err
		}
		values := pattern[field]
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: field %q has no values", model.ErrInvalidPattern, field)
		}

		set := make(map[string]struct{}, len(values))
		for _, value := range values {
			if value == "" {
				return nil, fmt.Errorf("%w: field %q has an empty value", model.ErrInvalidPattern, field)
			}
			set[value] = struct{}{}
		}

		if len(set) == 1 {
			matcher.predicates = append(matcher.predicates, predicate{field: field, kind: predicateExact, value: values[0]})
			continue
		}
		matcher.predicates = append(matcher.predicates, predicate{field: field, kind: predicateOneOf, values: set})
	}
	return matcher, nil
}

func validateField(field string) error {
	switch {
	case field == "":
		return fmt.Errorf("%w: empty field name", model.ErrInvalidPattern)
	case field == FieldSource, field == FieldType:
		return nil
	case strings.HasPrefix(field, detailPrefix):
		for _, segment := range strings.Split(strings.TrimPrefix(field, detailPrefix), ".") {
			if segment == "" {
				return fmt.Errorf("%w: malformed detail path %q", model.ErrInvalidPattern, field)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown field %q", model.ErrInvalidPattern, field)
}

// Match reports whether the event satisfies every predicate.
func (m *Matcher) Match(event model.Event) bool {
	return m.MatchFields(event.Fields())
}

// MatchFields evaluates the matcher against an already normalized event record.
func (m *Matcher) MatchFields(fields map[string]string) bool {
	for _, p := range m.predicates {
		if !p.match(fields) {
			return false
		}
	}
	return true
}

// Pattern rebuilds the canonical pattern the matcher was compiled from, with values
// de-duplicated and sorted.
func (m *Matcher) Pattern() Pattern {
	pattern := make(Pattern, len(m.predicates))
	for _, p := range m.predicates {
		if p.kind == predicateExact {
			pattern[p.field] = []string{p.value}
			continue
		}
		values := make([]string, 0, len(p.values))
		for value := range p.values {
			values = append(values, value)
		}
		sort.Strings(values)
		pattern[p.field] = values
	}
	return pattern
}
