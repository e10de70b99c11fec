package analysis

import (
	"os"
	"time"
)

// CacheDecision explains a ShouldProcess answer.
type CacheDecision string

const (
	CacheMissing    CacheDecision = "missing"
	CacheForced     CacheDecision = "forced"
	CacheEmpty      CacheDecision = "empty"
	CacheUnreadable CacheDecision = "unreadable"
	CacheInvalid    CacheDecision = "invalid"
	CacheStale      CacheDecision = "stale"
	CacheFresh      CacheDecision = "fresh"
)

// Cache decides whether an artifact on disk already covers its source.
type Cache struct {
	// Force reprocesses everything regardless of existing artifacts.
	Force bool

	// Check optionally validates artifact contents. A failing check makes the artifact stale.
	Check func([]byte) bool
}

// ShouldProcess reports whether the artifact at path must be (re)generated for a source last
// modified at source. A zero source time disables the staleness comparison. Unreadable, empty
// or invalid artifacts are treated as stale rather than as errors.
func (c Cache) ShouldProcess(path string, source time.Time) (bool, CacheDecision) {
	if c.Force {
		return true, CacheForced
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, CacheMissing
		}
		return true, CacheUnreadable
	}
	if !fi.Mode().IsRegular() {
		return true, CacheUnreadable
	}
	if fi.Size() == 0 {
		return true, CacheEmpty
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return true, CacheUnreadable
	}
	if len(b) == 0 {
		return true, CacheEmpty
	}
	if c.Check != nil && !c.Check(b) {
		return true, CacheInvalid
	}
	if !source.IsZero() && fi.ModTime().Before(source) {
		return true, CacheStale
	}
	return false, CacheFresh
}
