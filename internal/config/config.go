package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const schemaVersion = 1

const (
	ProfileHosted = "hosted"
	ProfileLocal  = "local"
)

// BackendProfile holds the connection settings for one model backend.
// The hosted profile needs an API key (usually injected via
// DRAFTSMAN_OPENAI_API_KEY); the local profile needs a base URL.
type BackendProfile struct {
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

type Settings struct {
	SchemaVersion int                       `json:"schema_version"`
	Backends      map[string]BackendProfile `json:"backends"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfill(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfill(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	settings := &Settings{
		SchemaVersion: schemaVersion,
		Backends:      map[string]BackendProfile{},
	}
	backfill(settings)
	return settings
}

// backfill fills gaps in a loaded settings file and lets the environment
// override credentials so keys never have to live on disk.
func backfill(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if settings.Backends == nil {
		settings.Backends = map[string]BackendProfile{}
	}
	hosted := settings.Backends[ProfileHosted]
	if env := strings.TrimSpace(os.Getenv("DRAFTSMAN_OPENAI_API_KEY")); env != "" {
		hosted.APIKey = env
	}
	if hosted.DefaultModel == "" {
		hosted.DefaultModel = "gpt-4o-mini"
	}
	settings.Backends[ProfileHosted] = hosted

	local := settings.Backends[ProfileLocal]
	if env := strings.TrimSpace(os.Getenv("DRAFTSMAN_LOCAL_BASE_URL")); env != "" {
		local.BaseURL = env
	}
	if local.DefaultModel == "" {
		local.DefaultModel = "qwen2.5-coder"
	}
	settings.Backends[ProfileLocal] = local
}
