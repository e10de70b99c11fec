package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func SanitizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// Truncate cuts s to at most max bytes, backing up to a rune boundary.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// SanitizeFilenameComponent maps s onto a conservative filename alphabet.
// Letters, digits, '-', '_' and '.' survive; everything else becomes '_'.
func SanitizeFilenameComponent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	out = strings.Trim(out, "._-")
	out = strings.TrimPrefix(out, "..")
	out = strings.TrimPrefix(out, ".")
	return strings.TrimSpace(out)
}

func WriteJSONFileAtomic(path string, v any, pretty bool) error {
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	b = append(b, '\n')
	if err := WriteFileAtomic(path, b, 0o644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data byte-for-byte to a temp file next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp_"+filepath.Base(path)+"_*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := writeAndSync(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteFileVerified writes data to tmpName (created exclusively, in the same directory as path),
// re-reads it, runs verify over the persisted bytes and renames it to path only when verify passes.
// The temp file never survives a failed call.
func WriteFileVerified(path, tmpName string, data []byte, mode fs.FileMode, verify func([]byte) error) error {
	if tmpName == "" || filepath.Base(tmpName) != tmpName {
		return fmt.Errorf("WriteFileVerified: temp name %q must be a bare filename", tmpName)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, tmpName)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeAndSync(tmp, data, mode); err != nil {
		return err
	}

	if verify != nil {
		persisted, err := os.ReadFile(tmpPath)
		if err != nil {
			return fmt.Errorf("WriteFileVerified: re-read temp: %w", err)
		}
		if err := verify(persisted); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	renamed = true
	return nil
}

func writeAndSync(f *os.File, data []byte, mode fs.FileMode) error {
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
