package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
)

// Export formats.
const (
	ExportJSON = "json"
	ExportText = "txt"
)

// ExportConversation writes one conversation to dir as {id}.json (the archive element, indented)
// or {id}.txt (its transcript). Any format other than json is treated as txt.
func ExportConversation(arch Archive, id, format, dir string) (string, error) {
	c, err := arch.Find(id)
	if err != nil {
		return "", err
	}

	var (
		data []byte
		ext  string
	)
	if strings.EqualFold(strings.TrimSpace(format), ExportJSON) {
		ext = ExportJSON
		data, err = exportJSON(c)
		if err != nil {
			return "", fmt.Errorf("ExportConversation %s: %w", id, err)
		}
	} else {
		ext = ExportText
		data = exportText(c)
	}

	out := filepath.Join(dir, reportBase(id)+"."+ext)
	if err := fileutils.WriteFileAtomic(out, data, 0o644); err != nil {
		return "", fmt.Errorf("ExportConversation %s: %w", id, err)
	}
	return out, nil
}

func exportJSON(c Conversation) ([]byte, error) {
	if len(c.Raw) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, c.Raw, "", "  "); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func exportText(c Conversation) []byte {
	var b strings.Builder
	if c.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Title)
	}
	if ts := isoOrEmpty(c.CreateTime); ts != "" {
		fmt.Fprintf(&b, "Created: %s\n", ts)
	}
	fmt.Fprintf(&b, "ID: %s\n\n", c.ID)

	t := BuildTranscript(c)
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Text)
	}
	if t.Truncated {
		fmt.Fprintf(&b, "[history truncated at node %s]\n", t.TruncatedAt)
	}
	return []byte(b.String())
}
