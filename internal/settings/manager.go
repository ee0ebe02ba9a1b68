// Package settings provides cached access to the user-editable settings
// kept in the app_settings table.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lore/internal/agent"
)

// Keys in app_settings.
const (
	KeyTheme             = "theme"
	KeyAgentRole         = "agent.role"
	KeyAgentInstructions = "agent.instructions"
)

// DefaultTheme is used when no theme row exists.
const DefaultTheme = "light"

// ErrEmptyValue is returned when a required setting is blank.
var ErrEmptyValue = errors.New("settings: value must not be empty")

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetSetting(key, value string) error
	SetSettings(values map[string]string) error
	AllSettings() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings is the resolved view with defaults applied.
type Settings struct {
	Theme             string `json:"theme"`
	AgentRole         string `json:"agent_role"`
	AgentInstructions string `json:"agent_instructions"`
}

// Manager caches the settings table for a short TTL.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl}
}

// Get returns the current settings.
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := *m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	rows, err := m.store.AllSettings()
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	s := resolve(rows)
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return s, nil
}

func resolve(rows map[string]string) Settings {
	s := Settings{
		Theme:             rows[KeyTheme],
		AgentRole:         rows[KeyAgentRole],
		AgentInstructions: rows[KeyAgentInstructions],
	}
	if s.Theme == "" {
		s.Theme = DefaultTheme
	}
	if s.AgentRole == "" {
		s.AgentRole = agent.DefaultRole
	}
	if s.AgentInstructions == "" {
		s.AgentInstructions = agent.DefaultInstructions
	}
	return s
}

// Theme returns the UI theme, "light" unless changed.
func (m *Manager) Theme() (string, error) {
	s, err := m.Get()
	if err != nil {
		return "", err
	}
	return s.Theme, nil
}

// SetTheme stores a new UI theme.
func (m *Manager) SetTheme(theme string) error {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return ErrEmptyValue
	}
	return m.update(func() error {
		if err := m.store.SetSetting(KeyTheme, theme); err != nil {
			return fmt.Errorf("setting %q: %w", KeyTheme, err)
		}
		return nil
	})
}

// SetAgentConfig replaces the agent role and instructions used by
// subsequent chat turns. Both are written together or not at all.
func (m *Manager) SetAgentConfig(role, instructions string) error {
	role = strings.TrimSpace(role)
	instructions = strings.TrimSpace(instructions)
	if role == "" || instructions == "" {
		return ErrEmptyValue
	}
	return m.update(func() error {
		err := m.store.SetSettings(map[string]string{KeyAgentRole: role, KeyAgentInstructions: instructions})
		if err != nil {
			return fmt.Errorf("setting agent config: %w", err)
		}
		return nil
	})
}

// update runs write under the lock and drops the cache.
func (m *Manager) update(write func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	return write()
}
