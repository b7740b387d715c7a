// Package localstore provides filesystem-backed implementations of the
// agent task engine's collaborator interfaces, for running the engine
// as a standalone process without a surrounding multi-project backend.
// A production deployment embedded in a larger stack replaces these
// with its own database-backed config store and real runtime/AI-gateway
// clients; ConfigStore here plays the same structural role, just
// scoped to a single JSON file.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/common/logger"
)

const configFileName = "agenttask-config.json"

// ConfigStore is a mutex-guarded, JSON-file-backed implementation of
// agenttask.ConfigStore. All reads and edits funnel through a single
// in-memory copy guarded by mu, flushed to disk on every EditConfig.
type ConfigStore struct {
	mu       sync.Mutex
	rootDir  string
	cfg      *agenttask.Config
	metadata map[string]map[string]any
	log      *logger.Logger
}

// New constructs a ConfigStore rooted at rootDir, loading any
// previously persisted state found there.
func New(rootDir string, log *logger.Logger) (*ConfigStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root %s: %w", rootDir, err)
	}
	s := &ConfigStore{
		rootDir:  rootDir,
		metadata: make(map[string]map[string]any),
		log:      log.WithFields(zap.String("component", "localstore")),
	}
	cfg, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *ConfigStore) configPath() string {
	return filepath.Join(s.rootDir, configFileName)
}

func (s *ConfigStore) readFromDisk() (*agenttask.Config, error) {
	data, err := os.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		return &agenttask.Config{Entries: make(map[string]*agenttask.Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg agenttask.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Entries == nil {
		cfg.Entries = make(map[string]*agenttask.Entry)
	}
	return &cfg, nil
}

func (s *ConfigStore) writeToDiskLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := s.configPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.configPath())
}

// LoadConfigOrDefault returns a deep-enough copy of the in-memory
// config (entries are pointers, but callers only ever read them until
// they pass them back through EditConfig).
func (s *ConfigStore) LoadConfigOrDefault(ctx context.Context) (*agenttask.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &agenttask.Config{Entries: make(map[string]*agenttask.Entry, len(s.cfg.Entries))}
	for id, e := range s.cfg.Entries {
		cp := *e
		out.Entries[id] = &cp
	}
	return out, nil
}

// EditConfig runs mutate against the live in-memory config under lock
// and persists the result to disk before returning.
func (s *ConfigStore) EditConfig(ctx context.Context, mutate func(cfg *agenttask.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mutate(s.cfg); err != nil {
		return err
	}
	return s.writeToDiskLocked()
}

// GenerateStableID returns a new UUID-based task id.
func (s *ConfigStore) GenerateStableID(ctx context.Context) (string, error) {
	return uuid.New().String(), nil
}

// GetSessionDir returns <rootDir>/<workspaceID>, creating it if absent.
func (s *ConfigStore) GetSessionDir(ctx context.Context, workspaceID string) (string, error) {
	dir := filepath.Join(s.rootDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// UpdateWorkspaceMetadata merges patch into workspaceID's stored
// metadata; a nil patch clears it.
func (s *ConfigStore) UpdateWorkspaceMetadata(ctx context.Context, workspaceID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch == nil {
		delete(s.metadata, workspaceID)
		return nil
	}
	existing := s.metadata[workspaceID]
	if existing == nil {
		existing = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		existing[k] = v
	}
	s.metadata[workspaceID] = existing
	return nil
}

// RemoveWorkspace deletes workspaceID's config entry and its on-disk
// session directory.
func (s *ConfigStore) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cfg.Entries, workspaceID)
	delete(s.metadata, workspaceID)
	if err := s.writeToDiskLocked(); err != nil {
		return err
	}
	dir := filepath.Join(s.rootDir, workspaceID)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("failed to remove session directory", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	return nil
}
