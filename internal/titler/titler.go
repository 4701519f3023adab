// Package titler generates short session titles from the opening prompt
// using a small LLM call, with the first prompt line as fallback.
package titler

import (
	"strings"
)

const maxTitleLen = 50

// titlePrompt is the instruction sent alongside the user's opening message.
const titlePrompt = "Summarize the following coding request as a session title " +
	"of at most six words. Reply with the title only, no quotes, no punctuation at the end."

// sanitize normalizes model output into a usable title.
func sanitize(raw string) string {
	title := strings.TrimSpace(raw)
	if line, _, found := strings.Cut(title, "\n"); found {
		title = line
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimRight(title, ".!")
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return strings.TrimSpace(title)
}
