package ipcserve

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
	"github.com/northriverfence/orbit/pkg/orbitrpc"
	"github.com/northriverfence/orbit/pkg/vault"
)

// Vault method names. The desktop client drives the vault over the same
// socket as the session methods.
const (
	MethodVaultStatus      = "vault_status"
	MethodVaultInit        = "vault_init"
	MethodVaultUnlock      = "vault_unlock"
	MethodVaultLock        = "vault_lock"
	MethodVaultList        = "vault_list"
	MethodVaultAdd         = "vault_add"
	MethodVaultGet         = "vault_get"
	MethodVaultUpdate      = "vault_update"
	MethodVaultDelete      = "vault_delete"
	MethodVaultGenerateKey = "vault_generate_ssh_key"
)

type vaultParams struct {
	Password     string               `json:"password,omitempty"`
	CredentialID string               `json:"credential_id,omitempty"`
	Name         string               `json:"name,omitempty"`
	Data         vault.CredentialData `json:"data,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
	Username     string               `json:"username,omitempty"`
	HostPattern  string               `json:"host_pattern,omitempty"`
	Comment      string               `json:"comment,omitempty"`
}

func registerVaultMethods(s *Server, manager *vault.Manager) {
	s.Register(MethodVaultStatus, func(_ context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		return map[string]string{"state": string(manager.State())}, nil
	})

	s.Register(MethodVaultInit, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		params, rpcErr := parseVaultParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := manager.Initialize(ctx, params.Password); err != nil {
			return nil, vaultError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(MethodVaultUnlock, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		params, rpcErr := parseVaultParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := manager.Unlock(ctx, params.Password); err != nil {
			return nil, vaultError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(MethodVaultLock, func(_ context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		manager.Lock()
		return map[string]bool{"ok": true}, nil
	})

	s.Register(MethodVaultList, func(ctx context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		summaries, err := manager.ListCredentials(ctx)
		if err != nil {
			return nil, vaultError(err)
		}
		return map[string]any{"credentials": summaries}, nil
	})

	s.Register(MethodVaultAdd, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		params, rpcErr := parseVaultParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, err := manager.AddCredential(ctx, params.Name, params.Data, params.Tags, params.Username, params.HostPattern)
		if err != nil {
			return nil, vaultError(err)
		}
		return map[string]string{"credential_id": id.String()}, nil
	})

	s.Register(MethodVaultGet, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		id, rpcErr := parseCredentialID(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		data, err := manager.GetCredential(ctx, id)
		if err != nil {
			return nil, vaultError(err)
		}
		return data, nil
	})

	s.Register(MethodVaultUpdate, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		params, rpcErr := parseVaultParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, err := uuid.Parse(params.CredentialID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad credential id")
		}
		if err := manager.UpdateCredential(ctx, id, params.Name, params.Data, params.Tags, params.Username, params.HostPattern); err != nil {
			return nil, vaultError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(MethodVaultDelete, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		id, rpcErr := parseCredentialID(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := manager.DeleteCredential(ctx, id); err != nil {
			return nil, vaultError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(MethodVaultGenerateKey, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		params, rpcErr := parseVaultParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, publicKey, err := manager.GenerateSSHKey(ctx, params.Name, params.Comment, params.Tags)
		if err != nil {
			return nil, vaultError(err)
		}
		return map[string]string{"credential_id": id.String(), "public_key": publicKey}, nil
	})
}

func parseVaultParams(raw json.RawMessage) (vaultParams, *orbitrpc.RPCError) {
	var params vaultParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad vault params")
	}
	return params, nil
}

func parseCredentialID(raw json.RawMessage) (uuid.UUID, *orbitrpc.RPCError) {
	params, rpcErr := parseVaultParams(raw)
	if rpcErr != nil {
		return uuid.Nil, rpcErr
	}
	id, err := uuid.Parse(params.CredentialID)
	if err != nil {
		return uuid.Nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad credential id")
	}
	return id, nil
}

func vaultError(err error) *orbitrpc.RPCError {
	switch {
	case errors.Is(err, vault.ErrLocked), errors.Is(err, vault.ErrWrongPassword):
		return orbitrpc.NewError(orbitrpc.CodeVaultLocked, err.Error())
	case errors.Is(err, vault.ErrUninitialized):
		return orbitrpc.NewError(orbitrpc.CodeVaultLocked, err.Error())
	case errors.Is(err, vault.ErrCredentialNotFound):
		return orbitrpc.NewError(orbitrpc.CodeInvalidParams, err.Error())
	case errors.Is(err, cryptoseal.ErrTampered):
		return orbitrpc.NewError(orbitrpc.CodeInternalError, "credential is corrupted or tampered")
	default:
		return orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
	}
}
