package analysis

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules carries the prompt text and the literal vocabularies the pipeline checks against.
type Rules struct {
	Report ReportRules `yaml:"report"`
	Trends TrendRules  `yaml:"trends"`
}

type ReportRules struct {
	RequiredSections []string `yaml:"required_sections"`
	Placeholders     []string `yaml:"placeholders"`
	Instructions     string   `yaml:"instructions"`
}

type TrendRules struct {
	Instructions   string       `yaml:"instructions"`
	FailureBuckets []BucketRule `yaml:"failure_buckets"`
}

// BucketRule maps free-text failure reasons containing any of Contains onto Bucket.
type BucketRule struct {
	Bucket   string   `yaml:"bucket"`
	Contains []string `yaml:"contains"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("analysis: embedded rules.yaml: %v", err))
	}
	return r
}

// ParseRules decodes a rules document strictly.
func ParseRules(b []byte) (Rules, error) {
	var r Rules
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Rules{}, fmt.Errorf("ParseRules: %w", err)
	}
	return r, nil
}

// LoadRules reads a rules file and overlays it on the defaults. Empty fields keep their default.
func LoadRules(path string) (Rules, error) {
	base := DefaultRules()
	if path == "" {
		return base, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("LoadRules: %w", err)
	}
	over, err := ParseRules(b)
	if err != nil {
		return Rules{}, fmt.Errorf("LoadRules %s: %w", path, err)
	}
	if len(over.Report.RequiredSections) > 0 {
		base.Report.RequiredSections = over.Report.RequiredSections
	}
	if over.Report.Placeholders != nil {
		base.Report.Placeholders = over.Report.Placeholders
	}
	if strings.TrimSpace(over.Report.Instructions) != "" {
		base.Report.Instructions = over.Report.Instructions
	}
	if strings.TrimSpace(over.Trends.Instructions) != "" {
		base.Trends.Instructions = over.Trends.Instructions
	}
	if len(over.Trends.FailureBuckets) > 0 {
		base.Trends.FailureBuckets = over.Trends.FailureBuckets
	}
	return base, nil
}

// Validator builds the report validator described by the rules.
func (r Rules) Validator() Validator {
	return Validator{
		Required:     append([]string(nil), r.Report.RequiredSections...),
		Placeholders: append([]string(nil), r.Report.Placeholders...),
	}
}
