// Package resolver extracts repository and branch context from an instruction.
// It is deliberately shallow: a handful of phrasings, no language model.
package resolver

import (
	"regexp"
	"strings"
)

// Action says what the instruction wants done with the repository context
type Action string

const (
	ActionNone             Action = ""
	ActionCreateRepository Action = "create_repository"
	ActionCloneRepository  Action = "clone_repository"
	ActionUseRepository    Action = "use_repository"
	ActionSwitchBranch     Action = "switch_branch"
)

// Context is the structured result of resolving an instruction
type Context struct {
	Action Action `json:"action,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// Empty reports whether nothing was resolved
func (c Context) Empty() bool {
	return c.Repo == "" && c.Branch == ""
}

type repoRule struct {
	action  Action
	pattern *regexp.Regexp
}

// Resolver matches instruction phrasings against ordered rule tables
type Resolver struct {
	repoRules   []repoRule
	branchRules []*regexp.Regexp
}

const name = `([A-Za-z0-9][\w.-]*(?:/[\w.-]+)?)`

// New returns a Resolver with the built-in phrasings
func New() *Resolver {
	return &Resolver{
		repoRules: []repoRule{
			{ActionCreateRepository, regexp.MustCompile(`(?i)\b(?:create|make|init(?:ialize)?|start)\s+(?:a\s+)?(?:new\s+)?(?:git\s+)?(?:repo|repository|project)\s+(?:called|named)\s+` + name)},
			{ActionCreateRepository, regexp.MustCompile(`(?i)\b(?:create|make)\s+(?:a\s+)?(?:new\s+)?(?:repo|repository)\s+` + name)},
			{ActionCloneRepository, regexp.MustCompile(`(?i)\bclone\s+(?:the\s+)?(?:repo\s+|repository\s+)?(?:https?://\S+/)?` + name)},
			{ActionUseRepository, regexp.MustCompile(`(?i)\b(?:switch|change|move)\s+to\s+(?:the\s+)?(?:repo|repository)\s+` + name)},
			{ActionUseRepository, regexp.MustCompile(`(?i)\b(?:in|on|for)\s+(?:the\s+)?(?:repo|repository)\s+` + name)},
			{ActionUseRepository, regexp.MustCompile(`(?i)\b(?:in|on|for)\s+(?:the\s+)?` + name + `\s+(?:repo|repository)\b`)},
		},
		branchRules: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:switch|checkout|check\s+out|change)\s+(?:to\s+)?(?:the\s+)?branch\s+([\w./-]+)`),
			regexp.MustCompile(`(?i)\b(?:on|in|from)\s+(?:the\s+)?branch\s+([\w./-]+)`),
			regexp.MustCompile(`(?i)\bbranch\s+(?:called|named)\s+([\w./-]+)`),
			regexp.MustCompile(`(?i)\b(?:on|in|from)\s+(?:the\s+)?([\w./-]+)\s+branch\b`),
		},
	}
}

// Resolve extracts repository and branch context. ok is false when nothing matched.
func (r *Resolver) Resolve(instruction string) (Context, bool) {
	var ctx Context

	for _, rule := range r.repoRules {
		if m := rule.pattern.FindStringSubmatch(instruction); m != nil {
			ctx.Action = rule.action
			ctx.Repo = clean(m[1])
			break
		}
	}

	for _, re := range r.branchRules {
		if m := re.FindStringSubmatch(instruction); m != nil {
			ctx.Branch = clean(m[1])
			if ctx.Action == ActionNone {
				ctx.Action = ActionSwitchBranch
			}
			break
		}
	}

	if ctx.Empty() {
		return Context{}, false
	}
	return ctx, true
}

func clean(s string) string {
	s = strings.TrimSuffix(s, ".git")
	return strings.TrimRight(s, ".,;:!?")
}
