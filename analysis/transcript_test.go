package analysis

import (
	"encoding/json"
	"testing"
)

func TestBuildTranscript_ChronologicalAndFiltered(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1",
		TranscriptMessage{Role: "system", Text: "you are helpful"},
		TranscriptMessage{Role: "user", Text: "Hello, how can you help me?"},
		TranscriptMessage{Role: "assistant", Text: "   "},
		TranscriptMessage{Role: "assistant", Text: "I can help you with your coding tasks."},
	)
	// Hidden node in the middle of the branch.
	n1 := c.Mapping["n1"]
	c.Mapping["h"] = MessageNode{ID: "h", Parent: strPtr("n0"), Message: &MessagePayload{
		Author:   Author{Role: "user"},
		Content:  textContent(t, "secret"),
		Metadata: map[string]any{"is_visually_hidden_from_conversation": true},
	}}
	n1.Parent = strPtr("h")
	c.Mapping["n1"] = n1

	tr := BuildTranscript(c)
	if tr.Truncated {
		t.Fatalf("unexpected truncation")
	}
	want := []TranscriptMessage{
		{Role: "user", Text: "Hello, how can you help me?"},
		{Role: "assistant", Text: "I can help you with your coding tasks."},
	}
	if len(tr.Messages) != len(want) {
		t.Fatalf("messages=%+v, want %+v", tr.Messages, want)
	}
	for i := range want {
		if tr.Messages[i] != want[i] {
			t.Fatalf("msg[%d]=%+v, want %+v", i, tr.Messages[i], want[i])
		}
	}
	if got := tr.Text(); got != "user: Hello, how can you help me?\nassistant: I can help you with your coding tasks.\n" {
		t.Fatalf("Text()=%q", got)
	}
}

func TestBuildTranscript_OnlyActiveBranch(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1",
		TranscriptMessage{Role: "user", Text: "q"},
		TranscriptMessage{Role: "assistant", Text: "a2"},
	)
	c.Mapping["alt"] = MessageNode{ID: "alt", Parent: strPtr("n0"), Message: &MessagePayload{Author: Author{Role: "assistant"}, Content: textContent(t, "a1")}}

	tr := BuildTranscript(c)
	if len(tr.Messages) != 2 || tr.Messages[1].Text != "a2" {
		t.Fatalf("messages=%+v", tr.Messages)
	}
}

func TestBuildTranscript_CycleTerminates(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1",
		TranscriptMessage{Role: "user", Text: "one"},
		TranscriptMessage{Role: "assistant", Text: "two"},
		TranscriptMessage{Role: "user", Text: "three"},
	)
	root := c.Mapping["n0"]
	root.Parent = strPtr("n2")
	c.Mapping["n0"] = root

	tr := BuildTranscript(c)
	if !tr.Truncated || tr.TruncatedAt != "n2" {
		t.Fatalf("Truncated=%v TruncatedAt=%q, want true n2", tr.Truncated, tr.TruncatedAt)
	}
	if len(tr.Messages) != 3 {
		t.Fatalf("len(Messages)=%d, want 3", len(tr.Messages))
	}
	if tr.Messages[0].Text != "one" || tr.Messages[2].Text != "three" {
		t.Fatalf("order=%+v", tr.Messages)
	}
}

func TestBuildTranscript_SelfLoop(t *testing.T) {
	t.Parallel()

	c := Conversation{ID: "c", CurrentNode: "x", Mapping: map[string]MessageNode{
		"x": {ID: "x", Parent: strPtr("x"), Message: &MessagePayload{Author: Author{Role: "user"}, Content: textContent(t, "loop")}},
	}}
	tr := BuildTranscript(c)
	if !tr.Truncated || len(tr.Messages) != 1 {
		t.Fatalf("transcript=%+v", tr)
	}
}

func TestBuildTranscript_MissingNodeActsAsRoot(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1",
		TranscriptMessage{Role: "user", Text: "q"},
		TranscriptMessage{Role: "assistant", Text: "a"},
	)
	n0 := c.Mapping["n0"]
	n0.Parent = strPtr("gone")
	c.Mapping["n0"] = n0

	tr := BuildTranscript(c)
	if tr.Truncated || len(tr.Messages) != 2 {
		t.Fatalf("transcript=%+v", tr)
	}
}

func TestBuildTranscript_NoCurrentNode(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1", TranscriptMessage{Role: "user", Text: "q"})
	c.CurrentNode = ""
	if tr := BuildTranscript(c); !tr.Empty() {
		t.Fatalf("expected empty transcript, got %+v", tr)
	}
	c.CurrentNode = "nope"
	if tr := BuildTranscript(c); !tr.Empty() {
		t.Fatalf("expected empty transcript for unknown current node, got %+v", tr)
	}
}

func TestBuildTranscript_UnknownContentDropped(t *testing.T) {
	t.Parallel()

	c := chain(t, "c1",
		TranscriptMessage{Role: "user", Text: "q"},
		TranscriptMessage{Role: "tool", Text: "x"},
	)
	n1 := c.Mapping["n1"]
	n1.Message.Content = json.RawMessage(`{"content_type":"tether_browsing_display","result":"..."}`)
	c.Mapping["n1"] = n1

	tr := BuildTranscript(c)
	if len(tr.Messages) != 1 || tr.Messages[0].Role != "user" {
		t.Fatalf("messages=%+v", tr.Messages)
	}
}

func TestBuildTranscript_FlatFallback(t *testing.T) {
	t.Parallel()

	c := Conversation{ID: "flat", Messages: []FlatMessage{
		{Role: "system", Content: json.RawMessage(`"sys"`)},
		{Role: "user", Content: json.RawMessage(`"hi"`)},
		{Author: &Author{Role: "assistant"}, Content: json.RawMessage(`{"content_type":"text","parts":["hello"]}`)},
	}}
	tr := BuildTranscript(c)
	if tr.Text() != "user: hi\nassistant: hello\n" {
		t.Fatalf("Text()=%q", tr.Text())
	}
}
