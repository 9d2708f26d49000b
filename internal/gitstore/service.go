// Package gitstore wraps the single git working tree holding the published
// archive. The working tree itself is the authoritative state; version
// control is best-effort, so staging and push failures are logged rather
// than propagated while commit failures surface to the caller.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

const (
	maxCommitMessageLen   = 500
	fallbackCommitMessage = "Update archive"
)

// ErrNotInitialized is returned by operations before Init has run.
var ErrNotInitialized = errors.New("git store not initialized")

// Store is the versioned store over one working tree.
type Store struct {
	baseDir     string
	remoteURL   string
	authorName  string
	authorEmail string
	repo        *git.Repository
}

// New creates a store rooted at baseDir. The repository is not opened until
// Init is called.
func New(baseDir, remoteURL string) *Store {
	return &Store{
		baseDir:     baseDir,
		remoteURL:   remoteURL,
		authorName:  "Llamabot Archive Bot",
		authorEmail: "llamabot@localhost",
	}
}

// Init creates the base directory and initializes or opens the repository.
func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(s.baseDir, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(s.baseDir)
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	s.repo = repo

	if s.remoteURL != "" {
		if _, err := repo.Remote("origin"); errors.Is(err, git.ErrRemoteNotFound) {
			_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
				Name: "origin",
				URLs: []string{s.remoteURL},
			})
			if err != nil {
				log.Printf("gitstore: create remote: %v", err)
			}
		}
	}
	return nil
}

// BaseDir returns the working tree root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Ready reports whether Init has completed.
func (s *Store) Ready() bool {
	return s.repo != nil
}

// Add stages the given absolute paths. Failures are logged, not returned;
// the working tree, not the git index, is the source of truth.
func (s *Store) Add(paths ...string) {
	worktree, err := s.worktree()
	if err != nil {
		log.Printf("gitstore: add: %v", err)
		return
	}
	for _, path := range paths {
		rel, err := s.rel(path)
		if err != nil {
			log.Printf("gitstore: add %s: %v", path, err)
			continue
		}
		if err := worktree.AddWithOptions(&git.AddOptions{Path: rel}); err != nil {
			log.Printf("gitstore: add %s: %v", rel, err)
		}
	}
}

// Remove deletes the given absolute paths from disk and stages the removal.
// Directory arguments are removed recursively. Failures are logged.
func (s *Store) Remove(paths ...string) {
	worktree, err := s.worktree()
	if err != nil {
		log.Printf("gitstore: remove: %v", err)
		return
	}
	for _, path := range paths {
		if _, err := s.rel(path); err != nil {
			log.Printf("gitstore: remove %s: %v", path, err)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Printf("gitstore: remove %s: %v", path, err)
		}
	}
	// Stage the deletions in one pass, git add -A style.
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		log.Printf("gitstore: stage removals: %v", err)
	}
}

// Move renames from to to on disk and stages both sides so history follows
// the rename.
func (s *Store) Move(from, to string) error {
	worktree, err := s.worktree()
	if err != nil {
		return err
	}
	if _, err := s.rel(from); err != nil {
		return err
	}
	if _, err := s.rel(to); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create move target dir: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		log.Printf("gitstore: stage move: %v", err)
	}
	return nil
}

// Commit records all staged changes. A clean stage is a no-op. The message
// is sanitized before use.
func (s *Store) Commit(message string) error {
	worktree, err := s.worktree()
	if err != nil {
		return err
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	_, err = worktree.Commit(SanitizeCommitMessage(message), &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Push pushes to the configured remote. Failures are logged, not returned; a
// slow or absent remote must never block an archive mutation.
func (s *Store) Push(ctx context.Context) {
	if s.repo == nil || s.remoteURL == "" {
		return
	}
	err := s.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) &&
		!errors.Is(err, transport.ErrEmptyRemoteRepository) {
		log.Printf("gitstore: push: %v", err)
	}
}

func (s *Store) worktree() (*git.Worktree, error) {
	if s.repo == nil {
		return nil, ErrNotInitialized
	}
	worktree, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	return worktree, nil
}

func (s *Store) rel(path string) (string, error) {
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s outside working tree %s", path, s.baseDir)
	}
	return filepath.ToSlash(rel), nil
}

// SanitizeCommitMessage strips control characters, shell metacharacters and
// quotes, collapses whitespace, removes leading dashes and caps the length.
// An empty result is replaced with a fixed fallback.
func SanitizeCommitMessage(message string) string {
	var b strings.Builder
	for _, r := range message {
		switch {
		case r < 0x20 || r == 0x7F:
			b.WriteRune(' ')
		case strings.ContainsRune("\\`$|&;<>'\"", r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Join(strings.FieldsFunc(b.String(), unicode.IsSpace), " ")
	cleaned = strings.TrimLeft(cleaned, "-")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxCommitMessageLen {
		cleaned = strings.TrimSpace(cleaned[:maxCommitMessageLen])
	}
	if cleaned == "" {
		return fallbackCommitMessage
	}
	return cleaned
}
