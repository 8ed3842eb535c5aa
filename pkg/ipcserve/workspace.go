package ipcserve

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/northriverfence/orbit/pkg/orbitrpc"
	"github.com/northriverfence/orbit/pkg/workspace"
)

type workspaceParams struct {
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Layout      workspace.Pane `json:"layout,omitempty"`
	IsTemplate  bool           `json:"is_template,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	SnapshotID  int64          `json:"snapshot_id,omitempty"`
}

func registerWorkspaceMethods(s *Server, store *workspace.Store) {
	s.Register(orbitrpc.MethodCreateWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params workspaceParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace params")
		}
		ws, err := store.Create(ctx, params.Name, params.Layout, params.IsTemplate, params.Tags)
		if err != nil {
			return nil, workspaceError(err)
		}
		return ws, nil
	})

	s.Register(orbitrpc.MethodGetWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		id, rpcErr := parseWorkspaceID(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		ws, err := store.Get(ctx, id)
		if err != nil {
			return nil, workspaceError(err)
		}
		return ws, nil
	})

	s.Register(orbitrpc.MethodListWorkspaces, func(ctx context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		all, err := store.List(ctx)
		if err != nil {
			return nil, workspaceError(err)
		}
		return map[string]any{"workspaces": all}, nil
	})

	s.Register(orbitrpc.MethodUpdateWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params workspaceParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace params")
		}
		id, err := uuid.Parse(params.WorkspaceID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace id")
		}
		if err := store.Update(ctx, id, params.Name, params.Layout); err != nil {
			return nil, workspaceError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodDeleteWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		id, rpcErr := parseWorkspaceID(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := store.Delete(ctx, id); err != nil {
			return nil, workspaceError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodSnapshotWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		id, rpcErr := parseWorkspaceID(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		snapID, err := store.SaveSnapshot(ctx, id)
		if err != nil {
			return nil, workspaceError(err)
		}
		return map[string]int64{"snapshot_id": snapID}, nil
	})

	s.Register(orbitrpc.MethodRestoreWorkspace, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params workspaceParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace params")
		}
		id, err := uuid.Parse(params.WorkspaceID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace id")
		}
		if err := store.RestoreSnapshot(ctx, id, params.SnapshotID); err != nil {
			return nil, workspaceError(err)
		}
		return map[string]bool{"ok": true}, nil
	})
}

func parseWorkspaceID(raw json.RawMessage) (uuid.UUID, *orbitrpc.RPCError) {
	var params workspaceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return uuid.Nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace params")
	}
	id, err := uuid.Parse(params.WorkspaceID)
	if err != nil {
		return uuid.Nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad workspace id")
	}
	return id, nil
}

func workspaceError(err error) *orbitrpc.RPCError {
	if errors.Is(err, workspace.ErrWorkspaceNotFound) || errors.Is(err, workspace.ErrSnapshotNotFound) {
		return orbitrpc.NewError(orbitrpc.CodeInvalidParams, err.Error())
	}
	return orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
}
