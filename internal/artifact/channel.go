package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrArtifactMissing means the worker exited successfully without
	// leaving its artifact.
	ErrArtifactMissing = errors.New("result artifact missing")
	// ErrArtifactCorrupt means the artifact exists but is not valid JSON.
	ErrArtifactCorrupt = errors.New("result artifact corrupt")
)

// Channel reads worker artifacts. It must only be used after the worker has
// exited with a success code; it never retries or polls.
type Channel struct{}

// NewChannel returns a Channel.
func NewChannel() Channel {
	return Channel{}
}

// Read returns the artifact bytes exactly as written once they parse as JSON.
func (Channel) Read(path string) (json.RawMessage, error) {
	// #nosec G304 -- path is derived from the configured artifact directory.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrArtifactMissing, path, err)
	}
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	return json.RawMessage(data), nil
}
