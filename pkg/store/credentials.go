package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/lkarlslund/gravitygate/pkg/config"
)

// CredentialRecord is the on-disk form of one upstream account.
// Timestamps are RFC3339 strings so the TOML stays hand-editable.
type CredentialRecord struct {
	ID             string `toml:"id"`
	Email          string `toml:"email,omitempty"`
	Name           string `toml:"name,omitempty"`
	AccessToken    string `toml:"access_token,omitempty"`
	RefreshToken   string `toml:"refresh_token"`
	TokenExpiresAt string `toml:"token_expires_at,omitempty"`
	ProjectID      string `toml:"project_id,omitempty"`
	Tier           string `toml:"tier,omitempty"`
	Disabled       bool   `toml:"disabled,omitempty"`
}

type credentialFile struct {
	Credentials []CredentialRecord `toml:"credentials"`
}

// CredentialStore is the persistence boundary for the account pool.
type CredentialStore interface {
	Load() ([]CredentialRecord, error)
	Save([]CredentialRecord) error
}

type FileCredentialStore struct {
	mu   sync.Mutex
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

func (s *FileCredentialStore) Load() ([]CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var f credentialFile
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	out := make([]CredentialRecord, 0, len(f.Credentials))
	for _, r := range f.Credentials {
		r.ID = strings.TrimSpace(r.ID)
		r.RefreshToken = strings.TrimSpace(r.RefreshToken)
		if r.ID == "" || r.RefreshToken == "" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FileCredentialStore) Save(recs []CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.Save(s.path, &credentialFile{Credentials: recs})
}
