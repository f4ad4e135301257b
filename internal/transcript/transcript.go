// Package transcript converts between the widget's displayed conversation, the history it
// submits with each request, and the provider's thread message lists.
package transcript

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one chronological exchange step replayed to the model.
type Turn struct {
	Role Role
	Text string
}

// HistoryEntry is the wire shape the widget sends: a display label and the message text.
type HistoryEntry struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// Displayed is a message as rendered in the widget.
type Displayed struct {
	FromAssistant bool
	Text          string
}

// ThreadMessage is one entry of a reconstructed thread, oldest first.
type ThreadMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Build produces the history array for a new request. The last displayed message is the one
// being submitted and is left out.
func Build(displayed []Displayed, assistantName, userName string) []HistoryEntry {
	if len(displayed) <= 1 {
		return []HistoryEntry{}
	}
	out := make([]HistoryEntry, 0, len(displayed)-1)
	for _, d := range displayed[:len(displayed)-1] {
		label := userName
		if d.FromAssistant {
			label = assistantName
		}
		out = append(out, HistoryEntry{User: label, Message: d.Text})
	}
	return out
}

// FromHistory maps client history onto roles. History is advisory and untrusted: entries are
// trimmed, empty ones dropped, and only the last max turns kept when max > 0.
func FromHistory(entries []HistoryEntry, assistantName string, max int) []Turn {
	turns := make([]Turn, 0, len(entries))
	assistantName = strings.TrimSpace(assistantName)
	for _, e := range entries {
		text := strings.TrimSpace(e.Message)
		if text == "" {
			continue
		}
		role := RoleUser
		if label := strings.TrimSpace(e.User); label != "" && strings.EqualFold(label, assistantName) {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns
}

// Serialize writes turns as "Name: text" lines.
func Serialize(turns []Turn, assistantName, userName string) string {
	var b strings.Builder
	for _, t := range turns {
		name := userName
		if t.Role == RoleAssistant {
			name = assistantName
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Text concatenates the text blocks of a provider message.
func Text(m openai.Message) string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != nil {
			b.WriteString(block.Text.Value)
		}
	}
	return b.String()
}

// FromThread turns the provider's newest-first message list into an oldest-first transcript.
func FromThread(messages []openai.Message) []ThreadMessage {
	out := make([]ThreadMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		out = append(out, ThreadMessage{ID: m.ID, Role: m.Role, Message: Text(m)})
	}
	return out
}
