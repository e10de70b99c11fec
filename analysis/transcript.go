package analysis

import (
	"strings"
)

// TranscriptMessage is one kept (role, text) pair.
type TranscriptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript is the chronological message sequence of a conversation's active branch.
type Transcript struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []TranscriptMessage `json:"messages"`

	// Truncated is set when the parent walk hit an already-visited node. Messages then holds
	// the history collected up to that point and TruncatedAt names the repeated node.
	Truncated   bool   `json:"truncated,omitempty"`
	TruncatedAt string `json:"truncated_at,omitempty"`
}

func (t Transcript) Empty() bool {
	return len(t.Messages) == 0
}

// Text renders the transcript as "role: text" lines.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, m := range t.Messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildTranscript reconstructs the active branch of c by walking parent links from its current node.
//
// System-authored and hidden messages are dropped, as are messages whose content yields no text.
// The walk never visits a node twice, so it terminates within len(c.Mapping) steps on any input.
// Conversations without a mapping fall back to the flat Messages array, in order.
func BuildTranscript(c Conversation) Transcript {
	t := Transcript{ConversationID: c.ID}
	if len(c.Mapping) == 0 {
		t.Messages = flatTranscript(c.Messages)
		return t
	}
	if c.CurrentNode == "" {
		return t
	}

	visited := make(map[string]struct{}, len(c.Mapping))
	var reversed []TranscriptMessage
	cur := c.CurrentNode
	for {
		n, ok := c.Mapping[cur]
		if !ok {
			// A dangling reference ends the walk as if it were the root.
			break
		}
		if _, seen := visited[cur]; seen {
			t.Truncated = true
			t.TruncatedAt = cur
			break
		}
		visited[cur] = struct{}{}

		if m, ok := keepMessage(n.Message); ok {
			reversed = append(reversed, m)
		}
		if n.Parent == nil || *n.Parent == "" {
			break
		}
		cur = *n.Parent
	}

	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	t.Messages = reversed
	return t
}

func keepMessage(m *MessagePayload) (TranscriptMessage, bool) {
	if m == nil {
		return TranscriptMessage{}, false
	}
	role := strings.TrimSpace(m.Author.Role)
	if role == "system" || m.Hidden() {
		return TranscriptMessage{}, false
	}
	text, ok := ExtractText(m.Content)
	if !ok {
		return TranscriptMessage{}, false
	}
	if role == "" {
		role = "unknown"
	}
	return TranscriptMessage{Role: role, Text: text}, true
}

func flatTranscript(msgs []FlatMessage) []TranscriptMessage {
	var out []TranscriptMessage
	for _, m := range msgs {
		role := m.role()
		if role == "system" {
			continue
		}
		text, ok := ExtractText(m.Content)
		if !ok {
			continue
		}
		if role == "" {
			role = "unknown"
		}
		out = append(out, TranscriptMessage{Role: role, Text: text})
	}
	return out
}
