// Package vault stores credentials encrypted under a password-derived
// master key. The key lives only in memory while the vault is unlocked.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLocked        State = "locked"
	StateUnlocked      State = "unlocked"
)

var (
	ErrAlreadyInitialized = errors.New("vault is already initialized")
	ErrUninitialized      = errors.New("vault is not initialized")
	ErrLocked             = errors.New("vault is locked")
	ErrWrongPassword      = errors.New("invalid master password")
)

// Plaintext payloads per credential kind. Exactly one field set.
type SshKeyData struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type PasswordData struct {
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

type CertificateData struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key,omitempty"`
	Passphrase  string `json:"passphrase,omitempty"`
}

type CredentialData struct {
	Kind        CredentialKind   `json:"kind"`
	SshKey      *SshKeyData      `json:"ssh_key,omitempty"`
	Password    *PasswordData    `json:"password,omitempty"`
	Certificate *CertificateData `json:"certificate,omitempty"`
}

// Summary lists a credential without decrypting it.
type Summary struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Kind        CredentialKind `json:"kind"`
	Tags        []string       `json:"tags,omitempty"`
	Username    string         `json:"username,omitempty"`
	HostPattern string         `json:"host_pattern,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Manager guards the vault state machine. The master key is protected by
// the same RWMutex as the state: crypto operations take read locks, state
// transitions take the write lock.
type Manager struct {
	store *store

	mu        sync.RWMutex
	state     State
	masterKey []byte

	log zerolog.Logger
}

func NewManager(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Manager, error) {
	s, err := newStore(ctx, db)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store: s,
		state: StateUninitialized,
		log:   log.With().Str("component", "vault").Logger(),
	}
	meta, err := s.getMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		m.state = StateLocked
	}
	return m, nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Initialize sets the master password and leaves the vault unlocked.
func (m *Manager) Initialize(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	salt, err := cryptoseal.GenerateSalt()
	if err != nil {
		return err
	}
	passwordHash, err := cryptoseal.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now()
	err = m.store.putMetadata(ctx, Metadata{
		PasswordHash:   passwordHash,
		Salt:           salt,
		Version:        1,
		CreatedAt:      now,
		LastUnlockedAt: now,
	})
	if err != nil {
		return fmt.Errorf("persist vault metadata: %w", err)
	}
	m.masterKey = cryptoseal.DeriveKey(password, salt)
	m.state = StateUnlocked
	m.log.Info().Msg("Vault initialized")
	return nil
}

// Unlock verifies the password and re-derives the master key.
func (m *Manager) Unlock(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateUninitialized:
		return ErrUninitialized
	case StateUnlocked:
		return nil
	}
	meta, err := m.store.getMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrUninitialized
	}
	ok, err := cryptoseal.VerifyPassword(password, meta.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Warn().Msg("Vault unlock failed: wrong password")
		return ErrWrongPassword
	}
	m.masterKey = cryptoseal.DeriveKey(password, meta.Salt)
	m.state = StateUnlocked
	if err := m.store.touchUnlocked(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to bump last_unlocked_at")
	}
	m.log.Info().Msg("Vault unlocked")
	return nil
}

// Lock zeroes the in-memory master key.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnlocked {
		return
	}
	cryptoseal.Zero(m.masterKey)
	m.masterKey = nil
	m.state = StateLocked
	m.log.Info().Msg("Vault locked")
}

// AddCredential seals and stores a credential, returning its id.
func (m *Manager) AddCredential(ctx context.Context, name string, data CredentialData, tags []string, username, hostPattern string) (uuid.UUID, error) {
	sealed, err := m.seal(data)
	if err != nil {
		return uuid.Nil, err
	}
	now := time.Now()
	cred := Credential{
		ID:          uuid.New(),
		Name:        name,
		Kind:        data.Kind,
		Sealed:      sealed,
		Tags:        tags,
		Username:    username,
		HostPattern: hostPattern,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.insert(ctx, cred); err != nil {
		return uuid.Nil, fmt.Errorf("store credential: %w", err)
	}
	return cred.ID, nil
}

// GetCredential decrypts one credential.
func (m *Manager) GetCredential(ctx context.Context, id uuid.UUID) (*CredentialData, error) {
	cred, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.unseal(cred.Sealed)
}

// UpdateCredential re-seals a credential with new data.
func (m *Manager) UpdateCredential(ctx context.Context, id uuid.UUID, name string, data CredentialData, tags []string, username, hostPattern string) error {
	sealed, err := m.seal(data)
	if err != nil {
		return err
	}
	return m.store.update(ctx, Credential{
		ID:          id,
		Name:        name,
		Sealed:      sealed,
		Tags:        tags,
		Username:    username,
		HostPattern: hostPattern,
	})
}

// DeleteCredential removes a record. Requires Unlocked for symmetry with
// the other record operations.
func (m *Manager) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	if err := m.requireUnlocked(); err != nil {
		return err
	}
	return m.store.delete(ctx, id)
}

// ListCredentials summarizes records without decrypting them; allowed in
// any initialized state.
func (m *Manager) ListCredentials(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == StateUninitialized {
		return nil, ErrUninitialized
	}
	creds, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(creds))
	for _, cred := range creds {
		out = append(out, Summary{
			ID:          cred.ID,
			Name:        cred.Name,
			Kind:        cred.Kind,
			Tags:        cred.Tags,
			Username:    cred.Username,
			HostPattern: cred.HostPattern,
			CreatedAt:   cred.CreatedAt,
			UpdatedAt:   cred.UpdatedAt,
		})
	}
	return out, nil
}

// GenerateSSHKey creates an Ed25519 keypair and stores it as a sealed
// SshKey credential.
func (m *Manager) GenerateSSHKey(ctx context.Context, name, comment string, tags []string) (uuid.UUID, string, error) {
	pair, err := cryptoseal.GenerateSSHKeyPair(comment)
	if err != nil {
		return uuid.Nil, "", err
	}
	id, err := m.AddCredential(ctx, name, CredentialData{
		Kind:   KindSshKey,
		SshKey: &SshKeyData{PrivateKey: pair.PrivateKeyPEM, PublicKey: pair.PublicKey},
	}, tags, "", "")
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, pair.PublicKey, nil
}

func (m *Manager) requireUnlocked() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateUninitialized:
		return ErrUninitialized
	case StateLocked:
		return ErrLocked
	}
	return nil
}

func (m *Manager) seal(data CredentialData) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateUninitialized:
		return nil, ErrUninitialized
	case StateLocked:
		return nil, ErrLocked
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return cryptoseal.Seal(m.masterKey, plaintext)
}

func (m *Manager) unseal(sealed []byte) (*CredentialData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateUninitialized:
		return nil, ErrUninitialized
	case StateLocked:
		return nil, ErrLocked
	}
	plaintext, err := cryptoseal.Open(m.masterKey, sealed)
	if err != nil {
		return nil, err
	}
	var data CredentialData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("parse credential payload: %w", err)
	}
	return &data, nil
}
