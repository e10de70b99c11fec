package analysis

import (
	"encoding/json"
	"testing"
)

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"text first part", `{"content_type":"text","parts":["  hi  ","ignored"]}`, "hi", true},
		{"text no parts", `{"content_type":"text","parts":[]}`, "", false},
		{"text non-string part", `{"content_type":"text","parts":[{"x":1}]}`, "", false},
		{"multimodal joins text and audio", `{"content_type":"multimodal_text","parts":[{"content_type":"image_asset_pointer","asset_pointer":"file-1"},{"content_type":"audio_transcription","text":"spoken"},"bare",{"content_type":"text","text":"typed"}]}`, "spoken typed", true},
		{"multimodal nothing textual", `{"content_type":"multimodal_text","parts":[{"content_type":"image_asset_pointer"}]}`, "", false},
		{"user editable context", `{"content_type":"user_editable_context","text":"about me"}`, "about me", true},
		{"user editable context missing text", `{"content_type":"user_editable_context"}`, "", false},
		{"unknown type", `{"content_type":"code","text":"print(1)"}`, "", false},
		{"bare string", `"plain"`, "plain", true},
		{"garbage", `[1,2`, "", false},
		{"empty", ``, "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractText(json.RawMessage(tt.raw))
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("%s: ExtractText=%q,%v want %q,%v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}
