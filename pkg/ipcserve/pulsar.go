package ipcserve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"

	"github.com/northriverfence/orbit/pkg/orbitrpc"
	"github.com/northriverfence/orbit/pkg/sessiond"
	"github.com/northriverfence/orbit/pkg/transfer"
	"github.com/northriverfence/orbit/pkg/vault"
	"github.com/northriverfence/orbit/pkg/workspace"
)

// PulsarDeps are the collaborators behind the pulsar method set.
type PulsarDeps struct {
	Sessions   *sessiond.Manager
	Workspaces *workspace.Store
	Vault      *vault.Manager
	Transfers  *transfer.Engine
	Started    time.Time
}

// RegisterPulsar wires the pulsar session, workspace and status methods
// onto a server.
func RegisterPulsar(s *Server, deps PulsarDeps) {
	s.Register(orbitrpc.MethodCreateSession, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params orbitrpc.CreateSessionParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad create_session params")
		}
		kind := sessiond.ParseKind(params.Kind, params.Host, params.Port, params.Device)
		session, err := deps.Sessions.Create(ctx, params.Name, kind, params.Cwd)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		if params.Rows != 0 && params.Cols != 0 {
			_ = session.Resize(params.Rows, params.Cols)
		}
		return orbitrpc.CreateSessionResult{SessionID: session.ID.String()}, nil
	})

	s.Register(orbitrpc.MethodListSessions, func(ctx context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		sessions := deps.Sessions.List()
		out := orbitrpc.ListSessionsResult{Sessions: make([]orbitrpc.SessionInfo, 0, len(sessions))}
		for _, session := range sessions {
			out.Sessions = append(out.Sessions, orbitrpc.SessionInfo{
				SessionID:  session.ID.String(),
				Name:       session.Name,
				Kind:       session.Kind.Type,
				Status:     string(session.Status()),
				NumClients: session.ClientCount(),
				CreatedAt:  jsontime.UM(session.CreatedAt),
				LastActive: jsontime.UM(session.LastActive()),
			})
		}
		return out, nil
	})

	// Subscribers created by attach, keyed by (session, client) so
	// receive_output can find them.
	subs := newSubscriberTable()

	s.Register(orbitrpc.MethodAttachSession, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		ref, rpcErr := parseRef(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		clientID := ref.client
		if clientID == uuid.Nil {
			clientID = uuid.New()
		}
		sub, err := deps.Sessions.Attach(ctx, ref.session, clientID)
		if err != nil {
			return nil, sessionError(err)
		}
		subs.put(ref.session, clientID, sub)
		return orbitrpc.SessionRef{SessionID: ref.session.String(), ClientID: clientID.String()}, nil
	})

	s.Register(orbitrpc.MethodDetachSession, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		ref, rpcErr := parseRef(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		subs.drop(ref.session, ref.client)
		if err := deps.Sessions.Detach(ctx, ref.session, ref.client); err != nil {
			return nil, sessionError(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodTerminateSession, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		ref, rpcErr := parseRef(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		subs.dropSession(ref.session)
		if err := deps.Sessions.Terminate(ctx, ref.session); err != nil {
			return nil, sessionError(err)
		}
		deps.Sessions.Cleanup()
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodResizeTerminal, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params orbitrpc.ResizeParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad resize params")
		}
		id, err := uuid.Parse(params.SessionID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad session id")
		}
		session, err := deps.Sessions.Get(id)
		if err != nil {
			return nil, sessionError(err)
		}
		if err := session.Resize(params.Rows, params.Cols); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodSendInput, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params orbitrpc.SendInputParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad send_input params")
		}
		id, err := uuid.Parse(params.SessionID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad session id")
		}
		data, err := base64.StdEncoding.DecodeString(params.Data)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "input is not valid base64")
		}
		session, err := deps.Sessions.Get(id)
		if err != nil {
			return nil, sessionError(err)
		}
		if err := session.Write(data); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodReceiveOutput, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		var params orbitrpc.ReceiveOutputParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad receive_output params")
		}
		sessionID, err := uuid.Parse(params.SessionID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad session id")
		}
		clientID, err := uuid.Parse(params.ClientID)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad client id")
		}
		sub := subs.get(sessionID, clientID)
		if sub == nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeSessionNotFound, "client is not attached")
		}
		timeout := time.Duration(params.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 100 * time.Millisecond
		}
		frame, err := sub.Recv(ctx, timeout)
		if err != nil {
			if errors.Is(err, sessiond.ErrBusClosed) {
				return nil, orbitrpc.NewError(orbitrpc.CodeSessionNotFound, "session closed")
			}
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		return orbitrpc.ReceiveOutputResult{
			Data:    base64.StdEncoding.EncodeToString(frame),
			Dropped: sub.Dropped(),
		}, nil
	})

	s.Register("snapshot_session", func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		ref, rpcErr := parseRef(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, err := deps.Sessions.SaveSnapshot(ctx, ref.session)
		if err != nil {
			return nil, sessionError(err)
		}
		return map[string]int64{"snapshot_id": id}, nil
	})

	s.Register("load_latest_snapshot", func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		ref, rpcErr := parseRef(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		snap, err := deps.Sessions.LoadLatestSnapshot(ctx, ref.session)
		if err != nil {
			return nil, sessionError(err)
		}
		if snap == nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeSessionNotFound, "no snapshot for session")
		}
		return map[string]any{
			"snapshot_id": snap.ID,
			"captured_at": snap.CapturedAt.UnixMilli(),
			"buffer":      base64.StdEncoding.EncodeToString(snap.Buffer),
		}, nil
	})

	s.Register(orbitrpc.MethodGetStatus, func(ctx context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		return orbitrpc.PulsarStatusResult{
			UptimeSeconds:   int64(time.Since(deps.Started).Seconds()),
			ActiveSessions:  len(deps.Sessions.List()),
			ActiveTransfers: deps.Transfers.ActiveCount(),
			VaultState:      string(deps.Vault.State()),
		}, nil
	})

	registerWorkspaceMethods(s, deps.Workspaces)
	registerVaultMethods(s, deps.Vault)
}

type sessionClientKey struct {
	session uuid.UUID
	client  uuid.UUID
}

type subscriberTable struct {
	mu   sync.Mutex
	subs map[sessionClientKey]*sessiond.Subscriber
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{subs: make(map[sessionClientKey]*sessiond.Subscriber)}
}

func (t *subscriberTable) put(session, client uuid.UUID, sub *sessiond.Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := sessionClientKey{session, client}
	if old, ok := t.subs[key]; ok {
		old.Unsubscribe()
	}
	t.subs[key] = sub
}

func (t *subscriberTable) get(session, client uuid.UUID) *sessiond.Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[sessionClientKey{session, client}]
}

func (t *subscriberTable) drop(session, client uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := sessionClientKey{session, client}
	if sub, ok := t.subs[key]; ok {
		sub.Unsubscribe()
		delete(t.subs, key)
	}
}

func (t *subscriberTable) dropSession(session uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, sub := range t.subs {
		if key.session == session {
			sub.Unsubscribe()
			delete(t.subs, key)
		}
	}
}

type parsedRef struct {
	session uuid.UUID
	client  uuid.UUID
}

func parseRef(raw json.RawMessage) (parsedRef, *orbitrpc.RPCError) {
	var ref orbitrpc.SessionRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return parsedRef{}, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad session ref")
	}
	session, err := uuid.Parse(ref.SessionID)
	if err != nil {
		return parsedRef{}, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad session id")
	}
	out := parsedRef{session: session}
	if ref.ClientID != "" {
		out.client, err = uuid.Parse(ref.ClientID)
		if err != nil {
			return parsedRef{}, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad client id")
		}
	}
	return out, nil
}

func sessionError(err error) *orbitrpc.RPCError {
	if errors.Is(err, sessiond.ErrSessionNotFound) || errors.Is(err, sessiond.ErrSessionStopped) {
		return orbitrpc.NewError(orbitrpc.CodeSessionNotFound, err.Error())
	}
	return orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
}
