// Package auth resolves API credentials to user identities from the
// users.json / apikeys.json configuration files.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ajsinha/dgfacade/pkg/config"
)

var (
	// ErrInvalidCredential indicates the API key is missing, unknown, or disabled.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrUserDisabled indicates the key resolves to a disabled user.
	ErrUserDisabled = errors.New("user is disabled")
)

// Service resolves API keys to user ids. Maps are immutable after load;
// Reload installs fresh maps atomically.
type Service struct {
	usersPath   string
	apikeysPath string

	mu    sync.RWMutex
	users map[string]*config.User
	keys  map[string]*config.APIKey
}

// NewService creates an auth service reading users.json and apikeys.json
// from configDir.
func NewService(configDir string) *Service {
	return &Service{
		usersPath:   filepath.Join(configDir, "users.json"),
		apikeysPath: filepath.Join(configDir, "apikeys.json"),
		users:       make(map[string]*config.User),
		keys:        make(map[string]*config.APIKey),
	}
}

// Load reads both credential files. Missing files load as empty sets so a
// deployment with only public request types needs no credential config.
func (s *Service) Load() error {
	users, err := loadUsers(s.usersPath)
	if err != nil {
		return err
	}
	keys, err := loadAPIKeys(s.apikeysPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.users = users
	s.keys = keys
	s.mu.Unlock()

	slog.Info("Auth config loaded", "users", len(users), "api_keys", len(keys))
	return nil
}

// ResolveAPIKey maps a credential to its user id.
func (s *Service) ResolveAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidCredential
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ak, ok := s.keys[key]
	if !ok || !ak.Enabled {
		return "", ErrInvalidCredential
	}
	if user, ok := s.users[ak.UserID]; ok && !user.Enabled {
		return "", fmt.Errorf("%w: %s", ErrUserDisabled, ak.UserID)
	}
	return ak.UserID, nil
}

func loadUsers(path string) (map[string]*config.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*config.User{}, nil
		}
		return nil, err
	}

	var list []*config.User
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, config.NewLoadError(path, err)
	}
	users := make(map[string]*config.User, len(list))
	for _, u := range list {
		users[u.UserID] = u
	}
	return users, nil
}

func loadAPIKeys(path string) (map[string]*config.APIKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*config.APIKey{}, nil
		}
		return nil, err
	}

	var list []*config.APIKey
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, config.NewLoadError(path, err)
	}
	keys := make(map[string]*config.APIKey, len(list))
	for _, k := range list {
		keys[k.Key] = k
	}
	return keys, nil
}
