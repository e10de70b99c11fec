package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func strPtr(s string) *string { return &s }

func textContent(t *testing.T, text string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{"content_type": "text", "parts": []string{text}})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return b
}

// chain builds a linear conversation whose nodes are n0 -> n1 -> ... with current node at the end.
func chain(t *testing.T, id string, msgs ...TranscriptMessage) Conversation {
	t.Helper()
	c := Conversation{ID: id, Mapping: map[string]MessageNode{}}
	var parent *string
	for i, m := range msgs {
		nodeID := fmt.Sprintf("n%d", i)
		c.Mapping[nodeID] = MessageNode{
			ID:      nodeID,
			Parent:  parent,
			Message: &MessagePayload{Author: Author{Role: m.Role}, Content: textContent(t, m.Text)},
		}
		parent = strPtr(nodeID)
		c.CurrentNode = nodeID
	}
	return c
}

// validReport contains every default section marker and nothing from the placeholder list.
func validReport(summary string) string {
	var b strings.Builder
	for _, marker := range DefaultRules().Report.RequiredSections {
		b.WriteString(marker)
		b.WriteString("\n")
		if marker == "### 4.1 Loop Completion Analysis" {
			b.WriteString("- **Did the USER complete all five steps of the AI Decision Loop?**\n  - Yes\n")
			continue
		}
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	return b.String()
}

type stubGateway struct {
	calls atomic.Int64

	mu       sync.Mutex
	requests []Request

	respond func(ctx context.Context, req Request) (string, error)
}

func (s *stubGateway) Analyze(ctx context.Context, req Request) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(ctx, req)
}

func constGateway(text string) *stubGateway {
	return &stubGateway{respond: func(context.Context, Request) (string, error) { return text, nil }}
}
