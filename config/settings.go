package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"trailcast/services/ytdlp"
)

// Settings is the persisted service configuration. Environment variables
// PORT, TMDB_API_KEY and DB_PATH override the file on every load.
type Settings struct {
	Port       int           `json:"port"`
	TMDBAPIKey string        `json:"tmdbApiKey"`
	DBPath     string        `json:"dbPath"`
	YtdlpPath  string        `json:"ytdlpPath"`
	Proxies    []ytdlp.Proxy `json:"proxies"`
	Log        LogSettings   `json:"log"`
}

// LogSettings configures the rotating log file. An empty File logs to
// stderr only.
type LogSettings struct {
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

func defaultSettings() Settings {
	return Settings{
		Port:      7010,
		DBPath:    "data/trailcast.db",
		YtdlpPath: "yt-dlp",
		Log: LogSettings{
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Manager loads and saves the settings file. Saves are atomic
// (write-to-temp then rename) so a crash never leaves a torn file.
type Manager struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewManager reads the settings file at path, creating it with defaults
// when missing. Path defaults to TRAILCAST_CONFIG, then
// "config/settings.json".
func NewManager(path string) (*Manager, error) {
	if path == "" {
		path = os.Getenv("TRAILCAST_CONFIG")
	}
	if path == "" {
		path = "config/settings.json"
	}

	m := &Manager{path: path, settings: defaultSettings()}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		log.Printf("[config] %s missing, writing defaults", m.path)
		if err := m.Save(m.settings); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &m.settings); err != nil {
			return fmt.Errorf("parse settings: %w", err)
		}
	}

	m.applyEnv()
	return nil
}

func (m *Manager) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			m.settings.Port = port
		} else {
			log.Printf("[config] ignoring invalid PORT %q", v)
		}
	}
	if v := os.Getenv("TMDB_API_KEY"); v != "" {
		m.settings.TMDBAPIKey = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		m.settings.DBPath = v
	}
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Save persists the settings atomically and makes them current.
func (m *Manager) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}

	m.settings = s
	return nil
}
