package conversation

import (
	"fmt"
	"strings"

	"github.com/floegence/drawchat/internal/backend"
)

// Transcript is the append-only message log of one conversation.
//
// Entries are never removed. The only in-place mutations are replacing the content of a
// streaming assistant entry and reordering an entry's images; both are reached through
// Engine, which serializes access. Transcript itself is not thread-safe.
type Transcript struct {
	messages []Message
}

// NewTranscript returns a transcript seeded with a system message, or an empty one
// when systemPrompt is blank.
func NewTranscript(systemPrompt string) *Transcript {
	t := &Transcript{}
	if p := strings.TrimSpace(systemPrompt); p != "" {
		t.messages = append(t.messages, Message{Role: RoleSystem, Content: p})
	}
	return t
}

func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.messages)
}

// UserTurns counts the user entries.
func (t *Transcript) UserTurns() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, m := range t.messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Messages returns a deep copy of the log.
func (t *Transcript) Messages() []Message {
	if t == nil || len(t.messages) == 0 {
		return nil
	}
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

func (t *Transcript) at(index int) (Message, error) {
	if index < 0 || index >= len(t.messages) {
		return Message{}, fmt.Errorf("%w: index %d", ErrUnknownMessage, index)
	}
	return t.messages[index].clone(), nil
}

func (t *Transcript) append(m Message) int {
	t.messages = append(t.messages, m.clone())
	return len(t.messages) - 1
}

func (t *Transcript) replaceContent(index int, content string) error {
	if index < 0 || index >= len(t.messages) {
		return fmt.Errorf("%w: index %d", ErrUnknownMessage, index)
	}
	if t.messages[index].HasImages() {
		return fmt.Errorf("message %d carries images", index)
	}
	t.messages[index].Content = content
	return nil
}

func (t *Transcript) replaceImages(index int, images []Image) error {
	if index < 0 || index >= len(t.messages) {
		return fmt.Errorf("%w: index %d", ErrUnknownMessage, index)
	}
	if len(images) != len(t.messages[index].Images) {
		return fmt.Errorf("message %d: image count changed from %d to %d", index, len(t.messages[index].Images), len(images))
	}
	t.messages[index].Images = append([]Image(nil), images...)
	return nil
}

// history is the upstream view of the log: text entries only, role and content.
func (t *Transcript) history() []backend.HistoryMessage {
	out := make([]backend.HistoryMessage, 0, len(t.messages))
	for _, m := range t.messages {
		if m.HasImages() {
			continue
		}
		out = append(out, backend.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
