// Package credentials persists the API key and encryption key used to
// talk to the cloud service, and drives the local side of the OAuth
// loopback login flow.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/varalys/lore/internal/errs"
)

const (
	keyringService   = "lore-cloud"
	keyringAPIKeyKey = "api-key"
	keyringEncKeyKey = "encryption-key"
)

// Credentials is everything retained after a successful login.
type Credentials struct {
	APIKey    string `json:"api_key"`
	Email     string `json:"email"`
	Plan      string `json:"plan"`
	CloudURL  string `json:"cloud_url"`
	EncKeyHex string `json:"encryption_key"`
}

// Backend names the configured credential storage mechanism.
type Backend string

const (
	BackendKeyring Backend = "keyring"
	BackendFile    Backend = "file"
)

// Store loads, persists, and deletes Credentials. load consults the
// configured backend only — it never falls back silently, so a user who
// chose the keyring backend gets a clear error if the keyring is
// unavailable rather than a surprise plaintext file.
type Store interface {
	Load() (*Credentials, error)
	Save(c *Credentials) error
	Delete() error
}

// Open returns the Store for the given backend, rooted at dir (the lore
// home directory) for the file backend.
func Open(backend Backend, dir string) Store {
	switch backend {
	case BackendKeyring:
		return keyringStore{}
	default:
		return fileStore{path: filepath.Join(dir, "credentials.json")}
	}
}

type keyringStore struct{}

func (keyringStore) Load() (*Credentials, error) {
	apiKey, err := keyring.Get(keyringService, keyringAPIKeyKey)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: keyring get api-key: %v", errs.IoError, err)
	}
	encKey, err := keyring.Get(keyringService, keyringEncKeyKey)
	if err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("%w: keyring get encryption-key: %v", errs.IoError, err)
	}

	meta, err := keyring.Get(keyringService, "metadata")
	if err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("%w: keyring get metadata: %v", errs.IoError, err)
	}

	c := &Credentials{APIKey: apiKey, EncKeyHex: encKey}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), c); err != nil {
			return nil, fmt.Errorf("%w: decode keyring metadata: %v", errs.IoError, err)
		}
		c.APIKey, c.EncKeyHex = apiKey, encKey
	}
	return c, nil
}

func (keyringStore) Save(c *Credentials) error {
	if err := keyring.Set(keyringService, keyringAPIKeyKey, c.APIKey); err != nil {
		return fmt.Errorf("%w: keyring set api-key: %v", errs.IoError, err)
	}
	if c.EncKeyHex != "" {
		if err := keyring.Set(keyringService, keyringEncKeyKey, c.EncKeyHex); err != nil {
			return fmt.Errorf("%w: keyring set encryption-key: %v", errs.IoError, err)
		}
	}
	meta, err := json.Marshal(struct {
		Email    string `json:"email"`
		Plan     string `json:"plan"`
		CloudURL string `json:"cloud_url"`
	}{c.Email, c.Plan, c.CloudURL})
	if err != nil {
		return fmt.Errorf("%w: encode keyring metadata: %v", errs.IoError, err)
	}
	if err := keyring.Set(keyringService, "metadata", string(meta)); err != nil {
		return fmt.Errorf("%w: keyring set metadata: %v", errs.IoError, err)
	}
	return nil
}

func (keyringStore) Delete() error {
	for _, key := range []string{keyringAPIKeyKey, keyringEncKeyKey, "metadata"} {
		if err := keyring.Delete(keyringService, key); err != nil && err != keyring.ErrNotFound {
			return fmt.Errorf("%w: keyring delete %s: %v", errs.IoError, key, err)
		}
	}
	return nil
}

// fileStore is the fallback backend: a 0600 JSON file under the lore home
// directory, for systems without an OS keyring (headless servers, some
// Linux setups without a secret service running).
type fileStore struct {
	path string
}

func (f fileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials file: %v", errs.IoError, err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode credentials file: %v", errs.IoError, err)
	}
	return &c, nil
}

func (f fileStore) Save(c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%w: create credentials directory: %v", errs.IoError, err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode credentials: %v", errs.IoError, err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write credentials file: %v", errs.IoError, err)
	}
	return nil
}

func (f fileStore) Delete() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete credentials file: %v", errs.IoError, err)
	}
	return nil
}
