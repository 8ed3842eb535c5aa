package vault

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
	"github.com/northriverfence/orbit/pkg/localdb"
)

func setupVault(t *testing.T) *Manager {
	t.Helper()
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	m, err := NewManager(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := setupVault(t)

	if m.State() != StateUninitialized {
		t.Fatalf("fresh vault state = %s", m.State())
	}
	if err := m.Unlock(ctx, "pw"); err != ErrUninitialized {
		t.Fatalf("unlock before init: %v, want ErrUninitialized", err)
	}
	if err := m.Initialize(ctx, "master password"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if m.State() != StateUnlocked {
		t.Fatalf("state after init = %s, want unlocked", m.State())
	}
	if err := m.Initialize(ctx, "again"); err != ErrAlreadyInitialized {
		t.Fatalf("second init: %v, want ErrAlreadyInitialized", err)
	}

	m.Lock()
	if m.State() != StateLocked {
		t.Fatalf("state after lock = %s", m.State())
	}
	if err := m.Unlock(ctx, "wrong password"); err != ErrWrongPassword {
		t.Fatalf("wrong unlock: %v, want ErrWrongPassword", err)
	}
	if m.State() != StateLocked {
		t.Fatal("state changed on failed unlock")
	}
	if err := m.Unlock(ctx, "master password"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if m.State() != StateUnlocked {
		t.Fatalf("state after unlock = %s", m.State())
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := setupVault(t)
	if err := m.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}

	original := CredentialData{
		Kind:     KindPassword,
		Password: &PasswordData{Password: "hunter2", Username: "admin"},
	}
	id, err := m.AddCredential(ctx, "prod db", original, []string{"db", "prod"}, "admin", "*.example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := m.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindPassword || got.Password == nil || got.Password.Password != "hunter2" {
		t.Fatalf("round trip = %+v", got)
	}

	// Locked vault refuses record access but still lists summaries.
	m.Lock()
	if _, err := m.GetCredential(ctx, id); !errors.Is(err, ErrLocked) {
		t.Fatalf("get while locked: %v, want ErrLocked", err)
	}
	summaries, err := m.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("list while locked: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "prod db" || summaries[0].Kind != KindPassword {
		t.Fatalf("summaries = %+v", summaries)
	}
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	m, err := NewManager(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, err := m.AddCredential(ctx, "key", CredentialData{
		Kind:   KindSshKey,
		SshKey: &SshKeyData{PrivateKey: "PRIVATE"},
	}, nil, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// A second manager over the same database starts Locked and can
	// unlock with the same password.
	m2, err := NewManager(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m2.State() != StateLocked {
		t.Fatalf("reopened state = %s, want locked", m2.State())
	}
	if err := m2.Unlock(ctx, "pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := m2.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SshKey == nil || got.SshKey.PrivateKey != "PRIVATE" {
		t.Fatalf("credential = %+v", got)
	}
}

func TestTamperedRecordDetected(t *testing.T) {
	ctx := context.Background()
	m := setupVault(t)
	if err := m.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, err := m.AddCredential(ctx, "x", CredentialData{
		Kind:     KindPassword,
		Password: &PasswordData{Password: "secret"},
	}, nil, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	cred, err := m.store.get(ctx, id)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	cred.Sealed[len(cred.Sealed)-1] ^= 0xff
	if err := m.store.update(ctx, *cred); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := m.GetCredential(ctx, id); !errors.Is(err, cryptoseal.ErrTampered) {
		t.Fatalf("get tampered: %v, want ErrTampered", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := setupVault(t)
	if err := m.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, err := m.AddCredential(ctx, "x", CredentialData{
		Kind:     KindPassword,
		Password: &PasswordData{Password: "one"},
	}, nil, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	err = m.UpdateCredential(ctx, id, "x2", CredentialData{
		Kind:     KindPassword,
		Password: &PasswordData{Password: "two"},
	}, []string{"rotated"}, "", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := m.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Password.Password != "two" {
		t.Fatalf("updated payload = %+v", got)
	}
	if err := m.DeleteCredential(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetCredential(ctx, id); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("get deleted: %v, want ErrCredentialNotFound", err)
	}
}

func TestGenerateSSHKey(t *testing.T) {
	ctx := context.Background()
	m := setupVault(t)
	if err := m.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, publicKey, err := m.GenerateSSHKey(ctx, "deploy key", "pulsar@host", []string{"deploy"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(publicKey, "ssh-ed25519 ") {
		t.Fatalf("public key = %q", publicKey)
	}
	got, err := m.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindSshKey || got.SshKey == nil || !strings.Contains(got.SshKey.PrivateKey, "OPENSSH PRIVATE KEY") {
		t.Fatalf("stored key = %+v", got)
	}
}
