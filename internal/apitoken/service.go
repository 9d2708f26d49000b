// Package apitoken manages bcrypt-hashed bearer tokens for the external
// read-only archive API. Tokens are persisted as JSON outside the git tree;
// the plaintext is shown once at creation and only the hash is stored.
package apitoken

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken reports a token that matches no active record.
var ErrInvalidToken = errors.New("invalid api token")

// Token is one stored token record. Hash is the bcrypt hash of the secret.
type Token struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	CreatedAt int64  `json:"createdAt"`
	Revoked   bool   `json:"revoked"`
}

// Service stores tokens in one JSON file.
type Service struct {
	mu       sync.Mutex
	filePath string
}

// NewService creates a token service backed by filePath.
func NewService(filePath string) *Service {
	return &Service{filePath: filePath}
}

func (s *Service) load() ([]Token, error) {
	raw, err := os.ReadFile(s.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	var tokens []Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("parse tokens: %w", err)
	}
	return tokens, nil
}

func (s *Service) save(tokens []Token) error {
	payload, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.WriteFile(s.filePath, append(payload, '\n'), 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return nil
}

// Create mints a new token and returns its plaintext secret. The secret is
// not recoverable afterwards.
func (s *Service) Create(name string) (Token, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := generateSecret()
	if err != nil {
		return Token{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Token{}, "", fmt.Errorf("hash token: %w", err)
	}

	token := Token{
		ID:        generateID(),
		Name:      name,
		Hash:      string(hash),
		CreatedAt: time.Now().UnixMilli(),
	}
	tokens, err := s.load()
	if err != nil {
		return Token{}, "", err
	}
	tokens = append(tokens, token)
	if err := s.save(tokens); err != nil {
		return Token{}, "", err
	}
	return token, secret, nil
}

// Verify returns the record matching the plaintext secret, or
// ErrInvalidToken.
func (s *Service) Verify(secret string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return Token{}, err
	}
	for _, token := range tokens {
		if token.Revoked {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(token.Hash), []byte(secret)) == nil {
			return token, nil
		}
	}
	return Token{}, ErrInvalidToken
}

// Revoke marks a token unusable, reporting whether it existed.
func (s *Service) Revoke(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range tokens {
		if tokens[i].ID == id && !tokens[i].Revoked {
			tokens[i].Revoked = true
			return true, s.save(tokens)
		}
	}
	return false, nil
}

// List returns all token records, hashes included.
func (s *Service) List() ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
