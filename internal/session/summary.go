package session

import "strings"

// FallbackSummary is reported when the agent produced no usable text
const FallbackSummary = "Task completed."

const summaryLines = 3

var completionKeywords = []string{
	"created", "committed", "done", "completed", "pushed", "merged",
	"deployed", "updated", "added", "fixed", "success",
}

// Summarize picks up to three lines announcing completed work, else the last
// three non-blank lines, else FallbackSummary.
func Summarize(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return FallbackSummary
	}

	var matched []string
	for _, line := range lines {
		if hasCompletionKeyword(line) {
			matched = append(matched, line)
			if len(matched) == summaryLines {
				break
			}
		}
	}
	if len(matched) > 0 {
		return strings.Join(matched, "\n")
	}

	start := max(len(lines)-summaryLines, 0)
	return strings.Join(lines[start:], "\n")
}

func hasCompletionKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range completionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
