package dictionary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const serversCacheTTL = time.Minute

// ServerEntry is one known related Discord server.
type ServerEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	JoinURL string `json:"joinURL"`
}

// Servers is the registry of related Discord servers, persisted as
// discords.json and cached briefly between reads.
type Servers struct {
	folderPath string
	stage      StageFunc

	mu        sync.Mutex
	cache     []ServerEntry
	cacheTime time.Time
}

// NewServers creates a registry rooted at folderPath.
func NewServers(folderPath string, stage StageFunc) *Servers {
	return &Servers{folderPath: folderPath, stage: stage}
}

func (s *Servers) configPath() string {
	return filepath.Join(s.folderPath, "discords.json")
}

// List returns all servers, reading through the short-lived cache.
func (s *Servers) List(ctx context.Context) ([]ServerEntry, error) {
	s.mu.Lock()
	if s.cache != nil && time.Since(s.cacheTime) < serversCacheTTL {
		cached := append([]ServerEntry(nil), s.cache...)
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	servers, err := s.load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache = servers
	s.cacheTime = time.Now()
	s.mu.Unlock()
	return append([]ServerEntry(nil), servers...), nil
}

// GetByID returns the server with the given id, or nil.
func (s *Servers) GetByID(ctx context.Context, id string) (*ServerEntry, error) {
	servers, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, server := range servers {
		if server.ID == id {
			return &server, nil
		}
	}
	return nil, nil
}

// AddOrEdit inserts or updates a server and persists the registry.
func (s *Servers) AddOrEdit(ctx context.Context, entry ServerEntry) error {
	servers, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range servers {
		if servers[i].ID == entry.ID {
			servers[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		servers = append(servers, entry)
	}
	return s.save(servers, fmt.Sprintf("Update discord server %s", entry.ID))
}

// Remove deletes a server, reporting whether it was present.
func (s *Servers) Remove(ctx context.Context, id string) (bool, error) {
	servers, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range servers {
		if servers[i].ID == id {
			servers = append(servers[:i], servers[i+1:]...)
			if err := s.save(servers, fmt.Sprintf("Remove discord server %s", id)); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Servers) load() ([]ServerEntry, error) {
	raw, err := os.ReadFile(s.configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return []ServerEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read discord servers: %w", err)
	}
	var servers []ServerEntry
	if err := json.Unmarshal(raw, &servers); err != nil {
		return []ServerEntry{}, nil
	}
	return servers, nil
}

func (s *Servers) save(servers []ServerEntry, message string) error {
	if err := os.MkdirAll(s.folderPath, 0o755); err != nil {
		return fmt.Errorf("create dictionary dir: %w", err)
	}
	payload, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discord servers: %w", err)
	}
	if err := os.WriteFile(s.configPath(), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write discord servers: %w", err)
	}
	if s.stage != nil {
		s.stage([]string{s.configPath()}, message)
	}
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
	return nil
}
