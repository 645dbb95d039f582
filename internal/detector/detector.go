// Package detector finds sensitive, hard-to-reverse commands in agent output.
package detector

import (
	"regexp"
	"strings"
)

// Category groups sensitive commands by the system they act on
type Category string

const (
	CategoryVersionControl  Category = "version_control"
	CategoryCodeHosting     Category = "code_hosting"
	CategoryPackageRegistry Category = "package_registry"
	CategoryDeployment      Category = "deployment"
)

// Severity marks how reversible a detected action is
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityHigh   Severity = "high"
)

// DefaultLabel is used when a category matched but none of its labelled sub-patterns did
const DefaultLabel = "execute sensitive command"

// DetectedAction is a classified sensitive command found in agent output
type DetectedAction struct {
	Category Category
	Label    string
	Command  string
	Severity Severity
	Details  string
}

// High reports whether the action is high severity
func (a DetectedAction) High() bool {
	return a.Severity == SeverityHigh
}

type labelRule struct {
	re    *regexp.Regexp
	label string
}

type categoryRule struct {
	category Category
	patterns []*regexp.Regexp
	labels   []labelRule
}

// Detector classifies lines of agent output
type Detector struct {
	categories   []categoryRule
	skip         []*regexp.Regexp
	configRef    *regexp.Regexp
	commandShape *regexp.Regexp
	force        []*regexp.Regexp
	destructive  []*regexp.Regexp
	protected    map[string]struct{}
	irreversible []*regexp.Regexp
	branch       []*regexp.Regexp
	target       *regexp.Regexp
}

// NewDefault returns a Detector with the built-in rule tables
func NewDefault() *Detector {
	return &Detector{
		categories: []categoryRule{
			{
				category: CategoryVersionControl,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bgit\s+push\b`),
					regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
					regexp.MustCompile(`\bgit\s+branch\s+(-D|--delete\s+--force)\b`),
					regexp.MustCompile(`(?i)\bgit\s+(rebase|filter-branch|filter-repo)\b`),
					regexp.MustCompile(`(?i)\bgit\s+tag\s+(-d|--delete)\b`),
					regexp.MustCompile(`(?i)\bgit\s+clean\s+-[a-z]*f`),
				},
				labels: []labelRule{
					{regexp.MustCompile(`(?i)\bpush\b.*(\s--force(-with-lease)?\b|\s-f\b|\s\+\S)`), "force push"},
					{regexp.MustCompile(`(?i)\bpush\b.*\s(--delete|-d)\b`), "delete remote branch"},
					{regexp.MustCompile(`(?i)\bpush\b.*\s--tags\b`), "push tags"},
					{regexp.MustCompile(`(?i)\bpush\b`), "push to remote"},
					{regexp.MustCompile(`(?i)\breset\s+--hard\b`), "hard reset"},
					{regexp.MustCompile(`(?i)\bbranch\s+(-D|--delete)\b`), "delete branch"},
					{regexp.MustCompile(`(?i)\b(rebase|filter-branch|filter-repo)\b`), "rewrite history"},
					{regexp.MustCompile(`(?i)\btag\s+(-d|--delete)\b`), "delete tag"},
					{regexp.MustCompile(`(?i)\bclean\b`), "delete untracked files"},
				},
			},
			{
				category: CategoryCodeHosting,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(gh|hub)\s+pr\s+(merge|close)\b`),
					regexp.MustCompile(`(?i)\b(gh|hub)\s+repo\s+(create|delete|archive|rename|edit)\b`),
					regexp.MustCompile(`(?i)\b(gh|hub)\s+release\s+(create|delete)\b`),
					regexp.MustCompile(`(?i)\bglab\s+(mr\s+merge|repo\s+(create|delete)|release\s+create)\b`),
				},
				labels: []labelRule{
					{regexp.MustCompile(`(?i)\b(pr|mr)\s+merge\b`), "merge pull request"},
					{regexp.MustCompile(`(?i)\bpr\s+close\b`), "close pull request"},
					{regexp.MustCompile(`(?i)\brepo\s+create\b`), "create repository"},
					{regexp.MustCompile(`(?i)\brepo\s+delete\b`), "delete repository"},
					{regexp.MustCompile(`(?i)\brepo\s+(archive|rename|edit)\b`), "modify repository settings"},
					{regexp.MustCompile(`(?i)\brelease\s+create\b`), "create release"},
					{regexp.MustCompile(`(?i)\brelease\s+delete\b`), "delete release"},
				},
			},
			{
				category: CategoryPackageRegistry,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(npm|yarn|pnpm)\s+publish\b`),
					regexp.MustCompile(`(?i)\bnpm\s+unpublish\b`),
					regexp.MustCompile(`(?i)\bcargo\s+publish\b`),
					regexp.MustCompile(`(?i)\btwine\s+upload\b`),
					regexp.MustCompile(`(?i)\bpoetry\s+publish\b`),
					regexp.MustCompile(`(?i)\bgem\s+push\b`),
					regexp.MustCompile(`(?i)\bdocker\s+(image\s+)?push\b`),
				},
				labels: []labelRule{
					{regexp.MustCompile(`(?i)\bunpublish\b`), "unpublish npm package"},
					{regexp.MustCompile(`(?i)\b(npm|yarn|pnpm)\s+publish\b`), "publish npm package"},
					{regexp.MustCompile(`(?i)\bcargo\s+publish\b`), "publish crate"},
					{regexp.MustCompile(`(?i)\b(twine|poetry)\b`), "publish Python package"},
					{regexp.MustCompile(`(?i)\bgem\s+push\b`), "publish gem"},
					{regexp.MustCompile(`(?i)\bdocker\b`), "push container image"},
				},
			},
			{
				category: CategoryDeployment,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bkubectl\s+(apply|delete|rollout|scale|replace)\b`),
					regexp.MustCompile(`(?i)\bterraform\s+(apply|destroy)\b`),
					regexp.MustCompile(`(?i)\bhelm\s+(install|upgrade|uninstall|rollback)\b`),
					regexp.MustCompile(`(?i)\b(vercel|netlify|firebase|serverless|sls|fly|flyctl|wrangler)\s+deploy\b`),
					regexp.MustCompile(`(?i)\bvercel\s+(--prod|--production)\b`),
					regexp.MustCompile(`(?i)\bgcloud\s+(app|run|functions)\s+deploy\b`),
					regexp.MustCompile(`(?i)\baws\s+(deploy|cloudformation\s+deploy|ecs\s+update-service|lambda\s+update-function-code)\b`),
				},
				labels: []labelRule{
					{regexp.MustCompile(`(?i)\bkubectl\s+apply\b`), "apply Kubernetes manifests"},
					{regexp.MustCompile(`(?i)\bkubectl\s+delete\b`), "delete Kubernetes resources"},
					{regexp.MustCompile(`(?i)\bkubectl\b`), "modify Kubernetes workloads"},
					{regexp.MustCompile(`(?i)\bterraform\s+destroy\b`), "destroy infrastructure"},
					{regexp.MustCompile(`(?i)\bterraform\s+apply\b`), "apply infrastructure changes"},
					{regexp.MustCompile(`(?i)\bhelm\b`), "change Helm release"},
					{regexp.MustCompile(`(?i)(--prod\b|--production\b|\bprod(uction)?\b)`), "deploy to production"},
					{regexp.MustCompile(`(?i)\bdeploy\b`), "deploy application"},
				},
			},
		},
		skip: []*regexp.Regexp{
			regexp.MustCompile(`^(#|//|<!--|/\*)`),
			regexp.MustCompile(`^[-*+]\s`),
			regexp.MustCompile(`^>`),
			regexp.MustCompile(`^\d+[.)]\s`),
		},
		configRef:    regexp.MustCompile(`(?i)\.(ya?ml|json|toml|ini|env|cfg|conf)\b`),
		commandShape: regexp.MustCompile(`(?i)^(\$\s*)?(sudo\s+)?([A-Z_][A-Z0-9_]*=\S*\s+)*(git|gh|hub|glab|npm|yarn|pnpm|cargo|twine|poetry|gem|docker|kubectl|terraform|helm|vercel|netlify|firebase|serverless|sls|fly|flyctl|wrangler|gcloud|aws)\s`),
		force: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\s--force(-with-lease)?\b`),
			regexp.MustCompile(`(?i)\bgit\s+push\b.*(\s-f\b|\s\+\S)`),
		},
		destructive: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\s--hard\b`),
			regexp.MustCompile(`\bgit\s+branch\b.*\s-D\b`),
			regexp.MustCompile(`(?i)\bgit\s+clean\s+-[a-z]*f`),
		},
		protected: map[string]struct{}{
			"main": {}, "master": {}, "production": {}, "prod": {}, "release": {},
		},
		irreversible: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(npm|yarn|pnpm|cargo|poetry)\s+(un)?publish\b`),
			regexp.MustCompile(`(?i)\btwine\s+upload\b`),
			regexp.MustCompile(`(?i)\bgem\s+push\b`),
			regexp.MustCompile(`(?i)\bterraform\s+(apply|destroy)\b`),
			regexp.MustCompile(`(?i)\bkubectl\s+delete\b`),
			regexp.MustCompile(`(?i)\b(gh|hub|glab)\s+repo\s+delete\b`),
		},
		branch: []*regexp.Regexp{
			// git push [flags] <remote> <refspec>
			regexp.MustCompile(`(?i)\bgit\s+push\s+(?:-\S+\s+)*[^\s-]\S*\s+(?:-\S+\s+)*\+?(?:[^\s:]+:)?([^\s-][^\s:]*)`),
			regexp.MustCompile(`(?i)\bgit\s+branch\s+(?:-D|--delete(?:\s+--force)?)\s+(\S+)`),
			regexp.MustCompile(`(?i)\bgit\s+(?:rebase|reset\s+--hard)\s+(?:-\S+\s+)*(\S+)`),
		},
		target: regexp.MustCompile(`(?i)(?:--target|--env|--environment|\s-e)(?:=|\s+)(\S+)`),
	}
}

// Detect classifies one line. It returns false when the line is prose, a comment,
// or does not match any sensitive pattern.
func (d *Detector) Detect(line string) (DetectedAction, bool) {
	cmd := strings.TrimSpace(line)
	if cmd == "" || d.skipped(cmd) {
		return DetectedAction{}, false
	}

	for _, cat := range d.categories {
		if !matchAny(cat.patterns, cmd) {
			continue
		}

		label := DefaultLabel
		for _, lr := range cat.labels {
			if lr.re.MatchString(cmd) {
				label = lr.label
				break
			}
		}

		return DetectedAction{
			Category: cat.category,
			Label:    label,
			Command:  cmd,
			Severity: d.severity(cmd),
			Details:  d.details(cmd),
		}, true
	}

	return DetectedAction{}, false
}

// DetectInResponse scans every line of text and returns detected actions in order
// of first appearance, keeping one entry per (category, label) pair.
func (d *Detector) DetectInResponse(text string) []DetectedAction {
	type key struct {
		category Category
		label    string
	}

	var actions []DetectedAction
	seen := make(map[key]struct{})

	for _, line := range strings.Split(text, "\n") {
		action, ok := d.Detect(line)
		if !ok {
			continue
		}
		k := key{action.Category, action.Label}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		actions = append(actions, action)
	}

	return actions
}

func (d *Detector) skipped(line string) bool {
	if matchAny(d.skip, line) {
		return true
	}
	// "deploy.yml" in prose is descriptive, "kubectl apply -f deploy.yml" is not
	if d.configRef.MatchString(line) && !d.commandShape.MatchString(line) {
		return true
	}
	return false
}

func (d *Detector) severity(cmd string) Severity {
	if matchAny(d.force, cmd) || matchAny(d.destructive, cmd) || d.protectedBranch(d.extractBranch(cmd)) || matchAny(d.irreversible, cmd) {
		return SeverityHigh
	}
	return SeverityNormal
}

func (d *Detector) extractBranch(cmd string) string {
	for _, re := range d.branch {
		if m := re.FindStringSubmatch(cmd); m != nil {
			return m[1]
		}
	}
	return ""
}

// protectedBranch accepts remote-qualified names such as origin/main
func (d *Detector) protectedBranch(name string) bool {
	if name == "" {
		return false
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	_, ok := d.protected[strings.ToLower(name)]
	return ok
}

func (d *Detector) details(cmd string) string {
	var parts []string

	if branch := d.extractBranch(cmd); branch != "" {
		parts = append(parts, "branch: "+branch)
	}
	if matchAny(d.force, cmd) {
		parts = append(parts, "force flag")
	}
	if m := d.target.FindStringSubmatch(cmd); m != nil {
		parts = append(parts, "target: "+m[1])
	}

	if len(parts) == 0 {
		return cmd
	}
	return strings.Join(parts, ", ")
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
