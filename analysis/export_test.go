package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExportConversation(t *testing.T) {
	t.Parallel()

	in := filepath.Join(t.TempDir(), "conversations.json")
	writeFile(t, in, twoConversations)
	arch, err := LoadArchive(context.Background(), in, LoadOptions{KeepRaw: true})
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	out := t.TempDir()

	p, err := ExportConversation(arch, "c1", "JSON", out)
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	if filepath.Base(p) != "c1.json" {
		t.Fatalf("path=%q", p)
	}
	b, _ := os.ReadFile(p)
	var probe map[string]any
	if err := json.Unmarshal(b, &probe); err != nil {
		t.Fatalf("exported json invalid: %v", err)
	}
	if probe["title"] != "A" || probe["current_node"] != "m2" {
		t.Fatalf("exported json=%v", probe)
	}

	p, err = ExportConversation(arch, "c1", "markdown", out)
	if err != nil {
		t.Fatalf("export txt: %v", err)
	}
	if filepath.Base(p) != "c1.txt" {
		t.Fatalf("path=%q", p)
	}
	b, _ = os.ReadFile(p)
	txt := string(b)
	for _, want := range []string{"Title: A\n", "Created: 2023-11-14T22:13:20Z\n", "user: hi\n\n", "assistant: hello\n\n"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("txt export missing %q:\n%s", want, txt)
		}
	}

	if _, err := ExportConversation(arch, "nope", "json", out); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestExportConversation_WithoutRaw(t *testing.T) {
	t.Parallel()

	c := chain(t, "x", TranscriptMessage{Role: "user", Text: "q"})
	p, err := ExportConversation(Archive{Conversations: []Conversation{c}}, "x", "json", t.TempDir())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	b, _ := os.ReadFile(p)
	var back Conversation
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != "x" || len(back.Mapping) != 1 {
		t.Fatalf("round trip=%+v", back)
	}
}
