package reconnect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Identity is the only state that survives a restart: enough to resume the
// session instead of re-joining. Role, stage, and timer are deliberately
// absent; they are re-derived from a server snapshot to avoid staleness.
type Identity struct {
	SessionID  string `yaml:"session_id"`
	PlayerID   string `yaml:"player_id"`
	PlayerName string `yaml:"player_name"`
}

func (i Identity) valid() bool {
	return i.SessionID != "" && i.PlayerID != ""
}

// IdentityFile persists Identity as a small YAML file.
type IdentityFile struct {
	path string
}

// NewIdentityFile creates a store rooted at the given path.
func NewIdentityFile(path string) *IdentityFile {
	return &IdentityFile{path: path}
}

// Load reads the persisted identity. The second return is false when no
// usable identity exists.
func (f *IdentityFile) Load() (Identity, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("read identity file: %w", err)
	}

	var ident Identity
	if err := yaml.Unmarshal(data, &ident); err != nil {
		return Identity{}, false, fmt.Errorf("parse identity file: %w", err)
	}
	if !ident.valid() {
		return Identity{}, false, nil
	}
	return ident, true, nil
}

// Save writes the identity, creating parent directories as needed.
func (f *IdentityFile) Save(ident Identity) error {
	data, err := yaml.Marshal(ident)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Clear removes the persisted identity. Missing file is not an error.
func (f *IdentityFile) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove identity file: %w", err)
	}
	return nil
}
