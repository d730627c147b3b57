package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNoSession is returned by Registry.Read when no session is advertised.
var ErrNoSession = errors.New("no browser session advertised")

// SessionDescriptor advertises the live automation session so non-owner
// processes can attach to it.
type SessionDescriptor struct {
	Endpoint   string    `json:"endpoint"`
	PID        int       `json:"pid"`
	LaunchedAt time.Time `json:"launched_at"`
}

// Registry persists the session descriptor as JSON at a well-known path.
// Writes are atomic (temp file then rename) so readers never observe a
// partial descriptor.
type Registry struct {
	path string
}

// NewRegistry returns a registry stored at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Read returns the advertised descriptor. ErrNoSession means the file is
// absent or empty; anything else is a filesystem or decode failure.
func (r *Registry) Read() (SessionDescriptor, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionDescriptor{}, ErrNoSession
		}
		return SessionDescriptor{}, fmt.Errorf("read session registry: %w", err)
	}

	var desc SessionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return SessionDescriptor{}, fmt.Errorf("decode session registry: %w", err)
	}
	if desc.Endpoint == "" {
		return SessionDescriptor{}, ErrNoSession
	}
	return desc, nil
}

// Write replaces the advertised descriptor.
func (r *Registry) Write(desc SessionDescriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session registry: %w", err)
	}

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create session registry temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write session registry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync session registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close session registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace session registry: %w", err)
	}
	return nil
}

// Clear removes the advertised descriptor, if any.
func (r *Registry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session registry: %w", err)
	}
	return nil
}
