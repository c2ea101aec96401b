package ai

import (
	"strings"

	"github.com/bdobrica/Kotodama/internal/kotodama/llm"
	"github.com/bdobrica/Kotodama/internal/kotodama/memory"
)

// DefaultPrompt is the persona used when a user has not set one.
const DefaultPrompt = "You are a friendly WhatsApp assistant. Keep replies very short: 1–2 simple sentences. Be helpful, casual, and safe. Plain text only (no markdown)."

func senderOrUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

// BuildPrompt renders the single-text prompt sent to the primary provider.
// history is oldest first and normally already ends with the current message.
func BuildPrompt(persona, sender, text string, history []memory.Turn) string {
	header := strings.Join([]string{
		persona,
		"Sender: " + senderOrUnknown(sender),
		"",
		"Recent conversation (oldest first):",
	}, "\n")

	lines := make([]string, 0, len(history))
	for _, t := range history {
		who := "User"
		if t.Role == memory.RoleAssistant {
			who = "Assistant"
		}
		lines = append(lines, who+": "+t.Text)
	}

	footer := strings.Join([]string{
		"",
		"Current user: " + text,
		"Reply:",
	}, "\n")

	return strings.Join([]string{header, strings.Join(lines, "\n"), footer}, "\n")
}

// BuildMessages renders the role-tagged conversation sent to the fallback
// provider.
func BuildMessages(persona, sender, text string, history []memory.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.System(persona))
	for _, t := range history {
		if t.Role == memory.RoleAssistant {
			msgs = append(msgs, llm.Assistant(t.Text))
		} else {
			msgs = append(msgs, llm.User(t.Text))
		}
	}
	return append(msgs, llm.User("Sender: "+senderOrUnknown(sender)+"\n\n"+text))
}
