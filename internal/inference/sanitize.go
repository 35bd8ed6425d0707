package inference

import "strings"

var sentinels = strings.NewReplacer(
	turnStart, "",
	turnEnd, "",
	"<|endoftext|>", "",
	"</s>", "",
)

// SanitizeAssistantForContext removes think blocks and turn sentinels from
// a reply before it is rendered back into a later prompt.
func SanitizeAssistantForContext(text string) string {
	return strings.TrimSpace(sentinels.Replace(stripThinkBlocks(text)))
}

func stripThinkBlocks(text string) string {
	const (
		openTag  = "<think>"
		closeTag = "</think>"
	)
	var b strings.Builder
	for {
		i := strings.Index(text, openTag)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		j := strings.Index(text[i+len(openTag):], closeTag)
		if j < 0 {
			// unclosed block runs to the end
			return b.String()
		}
		cut := i + len(openTag) + j + len(closeTag)
		text = text[cut:]
	}
}
