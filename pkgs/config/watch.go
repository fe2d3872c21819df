package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Store holds the current configuration and swaps it when the file changes.
type Store struct {
	mu      sync.RWMutex
	cfg     *Config
	v       *viper.Viper
	path    string
	resolve func(*Config) error
	logger  *log.Logger
}

// NewStore loads path and returns a store holding the result. resolve, when
// non-nil, runs on every loaded configuration before it becomes current
// (used to fill keyring secrets).
func NewStore(path string, resolve func(*Config) error, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		v:       newViper(path),
		path:    path,
		resolve: resolve,
		logger:  logger,
	}
	if err := s.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *Store) load() (*Config, error) {
	cfg, err := decode(s.v)
	if err != nil {
		return nil, err
	}
	if s.resolve != nil {
		if err := s.resolve(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Current returns the active configuration (thread-safe).
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Path returns the watched file path.
func (s *Store) Path() string { return s.path }

// Watch reloads the configuration whenever the file changes. An invalid
// file is logged and the previous configuration stays active. onChange is
// called after each successful swap and may be nil.
func (s *Store) Watch(onChange func(*Config)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.logger.Printf("config file changed: %s", e.Name)
		cfg, err := s.load()
		if err != nil {
			s.logger.Printf("config reload failed, keeping previous configuration: %v", err)
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		s.logger.Printf("configuration reloaded: %d targets", len(cfg.Targets))
		if onChange != nil {
			onChange(cfg)
		}
	})
	s.v.WatchConfig()
}
