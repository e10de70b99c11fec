package analysis

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRules(t *testing.T) {
	t.Parallel()

	r := DefaultRules()
	if len(r.Report.RequiredSections) != 13 {
		t.Fatalf("required sections=%d, want 13", len(r.Report.RequiredSections))
	}
	if r.Report.RequiredSections[0] != "# 1. Brief Summary" || r.Report.RequiredSections[12] != "# 4. Recommendations" {
		t.Fatalf("section order=%q", r.Report.RequiredSections)
	}
	// The prompt must ask for every section the validator requires.
	for _, s := range r.Report.RequiredSections {
		if !strings.Contains(r.Report.Instructions, s) {
			t.Fatalf("instructions missing %q", s)
		}
	}
	if len(r.Trends.FailureBuckets) == 0 || strings.TrimSpace(r.Trends.Instructions) == "" {
		t.Fatalf("trend rules incomplete: %+v", r.Trends)
	}
}

func TestLoadRules_Overlay(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, p, "report:\n  required_sections:\n    - \"# Only\"\n  placeholders: []\n")

	r, err := LoadRules(p)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(r.Report.RequiredSections) != 1 || r.Report.RequiredSections[0] != "# Only" {
		t.Fatalf("sections=%q", r.Report.RequiredSections)
	}
	if len(r.Report.Placeholders) != 0 {
		t.Fatalf("explicit empty placeholder list should override, got %q", r.Report.Placeholders)
	}
	if r.Report.Instructions == "" || len(r.Trends.FailureBuckets) == 0 {
		t.Fatalf("unset fields should keep defaults")
	}
	if !r.Validator().IsValid("# Only") {
		t.Fatalf("validator should follow overridden sections")
	}
}

func TestLoadRules_UnknownField(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, p, "report:\n  required_sectons: []\n")
	if _, err := LoadRules(p); err == nil {
		t.Fatalf("expected error for misspelled field")
	}
}

func TestLoadRules_EmptyPath(t *testing.T) {
	t.Parallel()

	r, err := LoadRules("")
	if err != nil || len(r.Report.RequiredSections) != 13 {
		t.Fatalf("LoadRules(\"\")=%d sections, %v", len(r.Report.RequiredSections), err)
	}
}
