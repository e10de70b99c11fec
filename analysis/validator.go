package analysis

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
	"go.uber.org/zap"
)

// ErrInvalidReport marks a report rejected by Validator.
var ErrInvalidReport = errors.New("report failed validation")

// Validator accepts a report only when every required section marker is present and no
// placeholder phrase is.
type Validator struct {
	Required     []string
	Placeholders []string
}

// Verdict lists what a report is missing or should not contain.
type Verdict struct {
	Missing      []string
	Placeholders []string
}

func (v Verdict) OK() bool {
	return len(v.Missing) == 0 && len(v.Placeholders) == 0
}

func (v Verdict) Error() string {
	var parts []string
	if len(v.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing sections %q", v.Missing))
	}
	if len(v.Placeholders) > 0 {
		parts = append(parts, fmt.Sprintf("placeholder text %q", v.Placeholders))
	}
	return strings.Join(parts, "; ")
}

func (v Validator) Check(text string) Verdict {
	var out Verdict
	for _, marker := range v.Required {
		if !strings.Contains(text, marker) {
			out.Missing = append(out.Missing, marker)
		}
	}
	lower := strings.ToLower(text)
	for _, p := range v.Placeholders {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			out.Placeholders = append(out.Placeholders, p)
		}
	}
	return out
}

func (v Validator) IsValid(text string) bool {
	return v.Check(text).OK()
}

// ReportName is the final filename of a conversation's report.
func ReportName(id string) string {
	return reportBase(id) + ".md"
}

// reportBase is the sanitized id. When sanitizing changed the id, a short hash of the raw id is
// appended so distinct ids never share a file.
func reportBase(id string) string {
	base := fileutils.SanitizeFilenameComponent(id)
	if base != "" && base == id {
		return base
	}
	if base == "" {
		base = "conversation"
	}
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%s-%x", base, h[:4])
}

// WriteReport persists text as dir/{id}.md. The bytes are staged in a temp file named after the
// conversation, validated as persisted and only then renamed into place. On rejection the temp file
// is removed and the returned error wraps ErrInvalidReport.
func (v Validator) WriteReport(dir, id, text string) (string, error) {
	final := filepath.Join(dir, ReportName(id))
	tmpName := fmt.Sprintf(".%s.%s.md.tmp", reportBase(id), uuid.NewString())

	err := fileutils.WriteFileVerified(final, tmpName, []byte(text), 0o644, func(b []byte) error {
		if verdict := v.Check(string(b)); !verdict.OK() {
			return fmt.Errorf("%w: %s", ErrInvalidReport, verdict.Error())
		}
		return nil
	})
	if err != nil {
		return final, fmt.Errorf("WriteReport %s: %w", id, err)
	}
	return final, nil
}

// VerifyResult summarizes a VerifyDirectory pass.
type VerifyResult struct {
	Checked int
	Invalid []string
	Removed []string
}

// VerifyDirectory checks every report in dir. With remove set, invalid reports and their
// structured siblings are deleted so the next run regenerates them.
func (v Validator) VerifyDirectory(dir string, remove bool, log *zap.Logger) (VerifyResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("VerifyDirectory: %w", err)
	}

	var res VerifyResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		res.Checked++
		p := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			log.Warn("verify: unreadable report", zap.String("path", p), zap.Error(err))
			res.Invalid = append(res.Invalid, e.Name())
		} else if verdict := v.Check(string(b)); !verdict.OK() {
			log.Info("verify: invalid report", zap.String("path", p), zap.Strings("missing", verdict.Missing), zap.Strings("placeholders", verdict.Placeholders))
			res.Invalid = append(res.Invalid, e.Name())
		} else {
			continue
		}

		if !remove {
			continue
		}
		if _, err := fileutils.RemoveIfExists(p); err != nil {
			log.Error("verify: remove report", zap.String("path", p), zap.Error(err))
			continue
		}
		res.Removed = append(res.Removed, e.Name())
		sibling := strings.TrimSuffix(p, ".md") + ".json"
		if _, err := fileutils.RemoveIfExists(sibling); err != nil {
			log.Warn("verify: remove trend sibling", zap.String("path", sibling), zap.Error(err))
		}
	}
	sort.Strings(res.Invalid)
	sort.Strings(res.Removed)
	return res, nil
}
