package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/floegence/drawchat/internal/lockfile"
)

// SecretsStore persists backend API keys to a local file, keyed by backend id.
//
// It is separate from config.yaml so the config can be shared without leaking keys.
// Writes take an inter-process lock on <path>.lock; two `drawchat set-key` runs cannot
// drop each other's updates.
type SecretsStore struct {
	path string
	mu   sync.Mutex

	// lockWait bounds how long a write waits for another process.
	lockWait time.Duration
}

const defaultLockWait = 3 * time.Second

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), lockWait: defaultLockWait}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	Backends      map[string]string `json:"backend_api_keys,omitempty"`
}

// BackendID normalizes a backend base URL into the key used by the store.
func BackendID(baseURL string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(baseURL)), "/")
}

func (s *SecretsStore) getKey(backendID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	backendID = BackendID(backendID)
	if backendID == "" {
		return "", false, errors.New("missing backend id")
	}

	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.Backends[backendID])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *SecretsStore) HasAPIKey(backendID string) (bool, error) {
	if s == nil {
		return false, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.getKey(backendID)
	return ok, err
}

func (s *SecretsStore) GetAPIKey(backendID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getKey(backendID)
}

func (s *SecretsStore) SetAPIKey(ctx context.Context, backendID string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.ApplyPatches(ctx, []APIKeyPatch{{BackendID: backendID, APIKey: &apiKey}})
}

func (s *SecretsStore) ClearAPIKey(ctx context.Context, backendID string) error {
	return s.ApplyPatches(ctx, []APIKeyPatch{{BackendID: backendID, APIKey: nil}})
}

type APIKeyPatch struct {
	BackendID string
	// APIKey is the new key to set. If nil, the key is cleared.
	APIKey *string
}

func (s *SecretsStore) ApplyPatches(ctx context.Context, patches []APIKeyPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, p := range patches {
		if BackendID(p.BackendID) == "" {
			return errors.New("missing backend id")
		}
		if p.APIKey != nil && strings.TrimSpace(*p.APIKey) == "" {
			return errors.New("missing api key")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o700); err != nil {
		return err
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	lock, err := lockfile.AcquireContext(lockCtx, s.Path()+".lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Backends == nil {
		sf.Backends = make(map[string]string)
	}
	for _, p := range patches {
		id := BackendID(p.BackendID)
		if p.APIKey == nil {
			delete(sf.Backends, id)
			continue
		}
		sf.Backends[id] = strings.TrimSpace(*p.APIKey)
	}
	if len(sf.Backends) == 0 {
		sf.Backends = nil
	}
	return s.saveLocked(sf)
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := s.Path()
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := s.Path()
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
