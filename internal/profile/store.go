// Package profile resolves the identity the proxy uses to join the upstream
// server: an authenticated launcher account when one is stored locally, or an
// offline profile named after the connecting player.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// Credentials is one stored launcher account.
type Credentials struct {
	DisplayName string
	ID          string
	AccessToken string
	ClientToken string
}

// Store looks up the stored account. Load returns nil, nil when no account
// is stored.
type Store interface {
	Load() (*Credentials, error)
}

// DefaultStorePath returns the PrismLauncher accounts file of the current
// user.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "PrismLauncher", "accounts.json")
	}
	return filepath.Join(home, ".local", "share", "PrismLauncher", "accounts.json")
}

// FileStore reads the first account of a PrismLauncher accounts.json file.
type FileStore struct {
	Path string
}

// Load reads the first account. A missing file or an empty account list is
// not an error.
func (s FileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", s.Path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read credentials %s: invalid JSON", s.Path)
	}
	account := gjson.GetBytes(data, "accounts.0")
	if !account.Exists() {
		return nil, nil
	}
	token := account.Get("ygg.token").String()
	return &Credentials{
		DisplayName: account.Get("profile.name").String(),
		ID:          account.Get("profile.id").String(),
		AccessToken: token,
		ClientToken: token,
	}, nil
}
