package analysis

import (
	"encoding/json"
	"strings"
)

// Content types understood by ExtractText.
const (
	ContentText                = "text"
	ContentMultimodalText      = "multimodal_text"
	ContentUserEditableContext = "user_editable_context"
)

type contentProbe struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
	Text        *string           `json:"text"`
}

type contentPart struct {
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

// ExtractText returns the plain text carried by a message content payload.
// ok is false when the payload carries no extractable text, including unknown content types.
func ExtractText(raw json.RawMessage) (text string, ok bool) {
	if len(raw) == 0 {
		return "", false
	}

	// Flat exports sometimes store content as a bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nonEmpty(s)
	}

	var probe contentProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}

	switch strings.TrimSpace(probe.ContentType) {
	case ContentText:
		if len(probe.Parts) == 0 {
			return "", false
		}
		var first string
		if err := json.Unmarshal(probe.Parts[0], &first); err != nil {
			return "", false
		}
		return nonEmpty(first)
	case ContentMultimodalText:
		var texts []string
		for _, p := range probe.Parts {
			var part contentPart
			if err := json.Unmarshal(p, &part); err != nil {
				// Bare strings, asset pointers and other non-object parts carry no transcript text.
				continue
			}
			switch part.ContentType {
			case "text", "audio_transcription":
				if t := strings.TrimSpace(part.Text); t != "" {
					texts = append(texts, t)
				}
			}
		}
		return nonEmpty(strings.Join(texts, " "))
	case ContentUserEditableContext:
		if probe.Text == nil {
			return "", false
		}
		return nonEmpty(*probe.Text)
	default:
		return "", false
	}
}

func nonEmpty(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}
