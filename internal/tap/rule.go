package tap

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Operator is the comparison a Rule applies at its path.
type Operator string

const (
	OpExists Operator = "exists"
	OpEqual  Operator = "eq"
	OpRegex  Operator = "regex"
)

// Rule matches a tap message by a gjson path. Paths address the message
// itself, so the event document lives under "payload".
type Rule struct {
	Path     string
	Operator Operator
	Value    string

	re *regexp.Regexp
}

// ParseRule accepts "path=value", "path=~regex" or "path exists".
func ParseRule(input string) (Rule, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Rule{}, errors.New("rule cannot be empty")
	}

	if path, value, ok := strings.Cut(trimmed, "="); ok {
		path = strings.TrimSpace(path)
		value = strings.TrimSpace(value)
		if path == "" {
			return Rule{}, errors.New("missing path before '='")
		}
		if value == "" {
			return Rule{}, errors.New("missing value after '='")
		}
		if pattern, isRegex := strings.CutPrefix(value, "~"); isRegex {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				return Rule{}, errors.New("missing regex pattern after '=~'")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return Rule{}, fmt.Errorf("invalid regex: %w", err)
			}
			return Rule{Path: path, Operator: OpRegex, Value: pattern, re: re}, nil
		}
		return Rule{Path: path, Operator: OpEqual, Value: value}, nil
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 2 || fields[1] != string(OpExists) {
		return Rule{}, errors.New("expected 'path=value', 'path=~regex', or 'path exists'")
	}
	return Rule{Path: fields[0], Operator: OpExists}, nil
}

// ParseRules parses every input, failing on the first invalid one.
func ParseRules(inputs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(inputs))
	for _, input := range inputs {
		rule, err := ParseRule(input)
		if err != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", input, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Match reports whether message satisfies the rule. Equality and regex
// rules only match scalar values; null compares as "null".
func (r Rule) Match(message []byte) bool {
	value := gjson.GetBytes(message, r.Path)
	if !value.Exists() {
		return false
	}
	if r.Operator == OpExists {
		return true
	}

	str, ok := scalar(value)
	if !ok {
		return false
	}
	switch r.Operator {
	case OpEqual:
		return str == r.Value
	case OpRegex:
		return r.re != nil && r.re.MatchString(str)
	default:
		return false
	}
}

// MatchAny reports whether any rule matches message.
func MatchAny(rules []Rule, message []byte) bool {
	for _, rule := range rules {
		if rule.Match(message) {
			return true
		}
	}
	return false
}

func scalar(value gjson.Result) (string, bool) {
	switch value.Type {
	case gjson.String:
		return value.Str, true
	case gjson.Number, gjson.True, gjson.False, gjson.Null:
		return value.Raw, true
	default:
		return "", false
	}
}
