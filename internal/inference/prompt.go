package inference

import "strings"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	turnStart = "<|im_start|>"
	turnEnd   = "<|im_end|>"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// RenderChat renders messages in ChatML. With addAssistant the output ends
// with an open assistant turn for the model to complete.
func RenderChat(msgs []Message, addAssistant bool) string {
	var b strings.Builder
	for _, m := range msgs {
		writeTurn(&b, m)
	}
	if addAssistant {
		b.WriteString(turnStart + RoleAssistant + "\n")
	}
	return b.String()
}

// renderContinuation renders the text appended to a retained cache for the
// next user turn. closePrev terminates the assistant turn the model left
// open.
func renderContinuation(user string, closePrev bool) string {
	var b strings.Builder
	if closePrev {
		b.WriteString(turnEnd + "\n")
	}
	writeTurn(&b, Message{Role: RoleUser, Content: user})
	b.WriteString(turnStart + RoleAssistant + "\n")
	return b.String()
}

func writeTurn(b *strings.Builder, m Message) {
	b.WriteString(turnStart)
	b.WriteString(m.Role)
	b.WriteByte('\n')
	b.WriteString(m.Content)
	b.WriteString(turnEnd + "\n")
}
