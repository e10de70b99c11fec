package analysis

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestValidator_Check(t *testing.T) {
	t.Parallel()

	v := DefaultRules().Validator()
	good := validReport("The USER framed the problem clearly.")
	if !v.IsValid(good) {
		t.Fatalf("valid report rejected: %+v", v.Check(good))
	}

	for _, marker := range v.Required {
		bad := strings.Replace(good, marker, "", 1)
		verdict := v.Check(bad)
		if verdict.OK() {
			t.Fatalf("report without %q accepted", marker)
		}
	}

	withPlaceholder := good + "\n[Provide a concise overview of the USER's objectives and approach]\n"
	verdict := v.Check(withPlaceholder)
	if verdict.OK() || len(verdict.Placeholders) != 1 {
		t.Fatalf("placeholder verdict=%+v", verdict)
	}
}

func TestValidator_WriteReport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v := DefaultRules().Validator()
	text := validReport("ok")

	p, err := v.WriteReport(dir, "conv-1", text)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if p != filepath.Join(dir, "conv-1.md") {
		t.Fatalf("path=%q", p)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != text {
		t.Fatalf("content differs from input")
	}
}

func TestValidator_WriteReportRejectsMissingSection(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v := DefaultRules().Validator()
	text := strings.Replace(validReport("ok"), "## Novel Patterns", "## Patterns", 1)

	_, err := v.WriteReport(dir, "conv-1", text)
	if !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("err=%v, want ErrInvalidReport", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir should be empty, found %v", names)
	}
}

func TestValidator_VerifyDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.md"), validReport("ok"))
	writeFile(t, filepath.Join(dir, "bad.md"), "Error: timeout")
	writeFile(t, filepath.Join(dir, "bad.json"), `{"loop_completion":{}}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	v := DefaultRules().Validator()
	res, err := v.VerifyDirectory(dir, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("VerifyDirectory: %v", err)
	}
	if res.Checked != 2 || len(res.Invalid) != 1 || res.Invalid[0] != "bad.md" || len(res.Removed) != 0 {
		t.Fatalf("dry run result=%+v", res)
	}

	res, err = v.VerifyDirectory(dir, true, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("VerifyDirectory remove: %v", err)
	}
	if len(res.Removed) != 1 {
		t.Fatalf("Removed=%v", res.Removed)
	}
	for _, name := range []string{"bad.md", "bad.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed (err=%v)", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "good.md")); err != nil {
		t.Fatalf("good.md should remain: %v", err)
	}
}

func TestValidator_VerifyDirectoryMissing(t *testing.T) {
	t.Parallel()

	if _, err := DefaultRules().Validator().VerifyDirectory(filepath.Join(t.TempDir(), "nope"), false, nil); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestReportName(t *testing.T) {
	t.Parallel()

	if got := ReportName("abc-123"); got != "abc-123.md" {
		t.Fatalf("ReportName=%q", got)
	}
	if got := ReportName("team_alpha"); got != "team_alpha.md" {
		t.Fatalf("ReportName=%q", got)
	}

	hashed := map[string]string{
		"../x":       "x-",
		"team/alpha": "team_alpha-",
		"///":        "conversation-",
	}
	for id, prefix := range hashed {
		got := ReportName(id)
		if !strings.HasPrefix(got, prefix) || len(got) != len(prefix)+8+len(".md") {
			t.Fatalf("ReportName(%q)=%q, want %s<8 hex>.md", id, got, prefix)
		}
		if again := ReportName(id); again != got {
			t.Fatalf("ReportName(%q) not stable: %q then %q", id, got, again)
		}
	}
	if ReportName("team/alpha") == ReportName("team_alpha") || ReportName("team/alpha") == ReportName("team\\alpha") {
		t.Fatalf("sanitized ids share a report name")
	}
}
