package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAuthenticationRequired is returned when caller identity is
	// missing or invalid; requests are rejected before any backend work
	ErrAuthenticationRequired = errors.New("authentication required")
)

// CredentialStore manages API credentials for submitting callers.
// A credential is presented as "ownerID.secret"; only the bcrypt hash
// of the secret is kept.
type CredentialStore struct {
	hashes map[string]string // ownerID -> bcrypt hash of secret
	mu     sync.RWMutex
}

// NewCredentialStore creates an empty credential store
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		hashes: make(map[string]string),
	}
}

// Generate creates a new secret for ownerID and returns the full
// credential string to hand to the caller
func (cs *CredentialStore) Generate(ownerID string) (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	if err := cs.Add(ownerID, secret); err != nil {
		return "", err
	}
	return ownerID + "." + secret, nil
}

// Add registers a secret for ownerID, replacing any previous one
func (cs *CredentialStore) Add(ownerID, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash credential: %w", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.hashes[ownerID] = string(hash)
	return nil
}

// AddHash registers a pre-computed bcrypt hash for ownerID. Used when
// loading credentials from configuration, where only hashes are kept.
func (cs *CredentialStore) AddHash(ownerID, hash string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.hashes[ownerID] = hash
}

// Authenticate validates a presented credential and returns the owner
// identity it belongs to
func (cs *CredentialStore) Authenticate(credential string) (string, error) {
	ownerID, secret, ok := strings.Cut(credential, ".")
	if !ok || ownerID == "" || secret == "" {
		return "", ErrAuthenticationRequired
	}

	cs.mu.RLock()
	hash, exists := cs.hashes[ownerID]
	cs.mu.RUnlock()
	if !exists {
		return "", ErrAuthenticationRequired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrAuthenticationRequired
	}
	return ownerID, nil
}

// Revoke removes the credential for ownerID
func (cs *CredentialStore) Revoke(ownerID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.hashes, ownerID)
}
