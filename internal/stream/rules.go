package stream

import (
	"fmt"
	"regexp"
)

// Rule recognises one phrasing of a truncated agent response
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Reason is surfaced verbatim to the user when the rule fires
	Reason string
}

// RuleSet is a versioned, ordered list of truncation rules. The first rule that
// matches wins.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// MaxTokensReason is reported when an agent record carries stop_reason=max_tokens
const MaxTokensReason = "The agent response was truncated because it reached the maximum output length. " +
	"Try splitting the instruction into smaller steps."

// DefaultRuleSet returns the built-in truncation rules
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: "2026.1",
		Rules: []Rule{
			{
				Name:    "response_truncated",
				Pattern: regexp.MustCompile(`(?i)\b(response|output)\s+(was\s+)?truncated\b`),
				Reason:  "The agent reported that its response was truncated. Try splitting the instruction into smaller steps.",
			},
			{
				Name:    "max_tokens_exceeded",
				Pattern: regexp.MustCompile(`(?i)\bexceeded\s+(the\s+)?max(imum)?\s+(number\s+of\s+)?(output\s+)?tokens\b`),
				Reason:  MaxTokensReason,
			},
			{
				Name:    "token_limit_reached",
				Pattern: regexp.MustCompile(`(?i)\b(max(imum)?[_ ]tokens?|output\s+token|token)\s+limit\s+(reached|exceeded|hit)\b`),
				Reason:  MaxTokensReason,
			},
			{
				Name:    "context_window_exceeded",
				Pattern: regexp.MustCompile(`(?i)\b(context\s+(window|length)\s+exceeded|prompt\s+is\s+too\s+long)\b`),
				Reason:  "The agent ran out of context window. Start a new conversation or narrow the instruction.",
			},
		},
	}
}

// With returns a copy of the rule set with extra rules appended after the built-in ones
func (rs RuleSet) With(version string, extra ...Rule) RuleSet {
	rules := make([]Rule, 0, len(rs.Rules)+len(extra))
	rules = append(rules, rs.Rules...)
	rules = append(rules, extra...)
	return RuleSet{Version: version, Rules: rules}
}

// CompileRule builds a Rule from configuration strings
func CompileRule(name, pattern, reason string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid truncation rule %q: %w", name, err)
	}
	if reason == "" {
		reason = MaxTokensReason
	}
	return Rule{Name: name, Pattern: re, Reason: reason}, nil
}

// match returns the reason of the first matching rule
func (rs RuleSet) match(text string) (string, bool) {
	for _, r := range rs.Rules {
		if r.Pattern.MatchString(text) {
			return r.Reason, true
		}
	}
	return "", false
}
