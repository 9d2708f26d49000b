// Package dictionary holds the glossary of community terms and the registry
// of related Discord servers. Both are JSON documents inside the archive
// working tree; entry reconciliation cross-links against them.
package dictionary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"llamabot/archive/internal/safepath"
)

// Entry statuses. Only approved entries are indexed for term matching.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Reference mirrors archive.Reference; redeclared here to keep the package
// free of an archive import (archive imports dictionary).
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Entry is one glossary definition.
type Entry struct {
	ID           string      `json:"id"`
	Terms        []string    `json:"terms"`
	Definition   string      `json:"definition"`
	ThreadURL    string      `json:"threadURL,omitempty"`
	StatusURL    string      `json:"statusURL,omitempty"`
	Status       string      `json:"status"`
	UpdatedAt    int64       `json:"updatedAt"`
	References   []Reference `json:"references"`
	ReferencedBy []string    `json:"referencedBy"`
}

// Normalize fills optional slices for legacy documents.
func (e *Entry) Normalize() {
	if e.Terms == nil {
		e.Terms = []string{}
	}
	if e.References == nil {
		e.References = []Reference{}
	}
	if e.ReferencedBy == nil {
		e.ReferencedBy = []string{}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
}

// StageFunc stages and commits repository paths; wired to the git store by
// the caller so this package stays storage-agnostic.
type StageFunc func(paths []string, message string)

// Manager stores dictionary entries as one JSON file each under
// <folder>/entries.
type Manager struct {
	folderPath string
	stage      StageFunc
}

// NewManager creates a manager rooted at folderPath.
func NewManager(folderPath string, stage StageFunc) *Manager {
	return &Manager{folderPath: folderPath, stage: stage}
}

// Init creates the entries directory.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.entriesPath(), 0o755); err != nil {
		return fmt.Errorf("create dictionary entries dir: %w", err)
	}
	return nil
}

func (m *Manager) entriesPath() string {
	return filepath.Join(m.folderPath, "entries")
}

var entryIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (m *Manager) entryPath(id string) (string, error) {
	if !entryIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid dictionary entry id %q", id)
	}
	return safepath.Join(m.entriesPath(), id+".json")
}

// GetEntry loads one entry, returning (nil, nil) when absent.
func (m *Manager) GetEntry(ctx context.Context, id string) (*Entry, error) {
	path, err := m.entryPath(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil
	}
	entry.Normalize()
	return &entry, nil
}

// SaveEntry persists an entry and stages it for commit.
func (m *Manager) SaveEntry(ctx context.Context, entry *Entry) error {
	entry.Normalize()
	path, err := m.entryPath(entry.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.entriesPath(), 0o755); err != nil {
		return fmt.Errorf("create dictionary entries dir: %w", err)
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dictionary entry: %w", err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write dictionary entry: %w", err)
	}
	if m.stage != nil {
		m.stage([]string{path}, fmt.Sprintf("Update dictionary entry %s", firstTerm(entry)))
	}
	return nil
}

// DeleteEntry removes an entry file, reporting whether it existed.
func (m *Manager) DeleteEntry(ctx context.Context, id string) (bool, error) {
	path, err := m.entryPath(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("delete dictionary entry: %w", err)
	}
	if m.stage != nil {
		m.stage([]string{path}, fmt.Sprintf("Remove dictionary entry %s", id))
	}
	return true, nil
}

// ListEntries loads every entry, sorted by first term. Corrupt files are
// skipped.
func (m *Manager) ListEntries(ctx context.Context) ([]*Entry, error) {
	names, err := os.ReadDir(m.entriesPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary entries dir: %w", err)
	}

	var entries []*Entry
	for _, name := range names {
		if name.IsDir() || !strings.HasSuffix(name.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(name.Name(), ".json")
		entry, err := m.GetEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return firstTerm(entries[i]) < firstTerm(entries[j])
	})
	return entries, nil
}

// IterateEntries invokes fn for every entry, stopping on error.
func (m *Manager) IterateEntries(ctx context.Context, fn func(*Entry) error) error {
	entries, err := m.ListEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// EmbeddingText returns the text surface used for this entry's embedding.
func (e *Entry) EmbeddingText() string {
	return strings.Join(e.Terms, ", ") + "\n" + e.Definition
}

func firstTerm(e *Entry) string {
	if len(e.Terms) > 0 {
		return e.Terms[0]
	}
	return e.ID
}

// markdownCharacters are stripped when normalizing terms for indexing.
var markdownCharacters = regexp.MustCompile("[*_~`|>#]")

// NormalizeTerm lower-cases a term and strips markdown punctuation; the
// result keys the term index.
func NormalizeTerm(term string) string {
	return strings.TrimSpace(markdownCharacters.ReplaceAllString(strings.ToLower(term), ""))
}
