package artifact

import (
	"path/filepath"
	"strings"
)

const (
	// LegacyName is the fixed artifact name used before per-request paths.
	LegacyName = "output.json"
	// TempSuffix marks an artifact that is still being written.
	TempSuffix = ".tmp"

	artifactPrefix = "results-"
	artifactExt    = ".json"
	runDirPrefix   = "run-"
)

// DefaultPatterns lists the names the Janitor treats as artifacts.
var DefaultPatterns = []string{
	LegacyName,
	"results*.json",
	"results*.json" + TempSuffix,
}

// PathFor returns the artifact path for a request id inside dir.
func PathFor(dir, requestID string) string {
	return filepath.Join(dir, artifactPrefix+sanitizeID(requestID)+artifactExt)
}

// RunDirFor returns the private working directory for a request id inside
// dir. Workers run with it as their current directory, so relative files
// they stage never collide with another invocation's.
func RunDirFor(dir, requestID string) string {
	return filepath.Join(dir, runDirPrefix+sanitizeID(requestID))
}

// IsRunDir reports whether name looks like a directory made by RunDirFor.
func IsRunDir(name string) bool {
	return strings.HasPrefix(name, runDirPrefix) && len(name) > len(runDirPrefix)
}

// TempPathFor returns the staging path a worker may write before renaming.
func TempPathFor(path string) string {
	return path + TempSuffix
}

func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}

// Matches reports whether name matches one of patterns.
func Matches(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
