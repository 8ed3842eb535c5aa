package ipcserve

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/localdb"
	"github.com/northriverfence/orbit/pkg/orbitrpc"
	"github.com/northriverfence/orbit/pkg/sessiond"
	"github.com/northriverfence/orbit/pkg/transfer"
	"github.com/northriverfence/orbit/pkg/vault"
	"github.com/northriverfence/orbit/pkg/workspace"
)

func startPulsarServer(t *testing.T) (string, *sessiond.Manager) {
	t.Helper()
	ctx := context.Background()
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	sessionStore, err := sessiond.NewStore(ctx, db)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sessions, err := sessiond.NewManager(ctx, sessiond.ManagerConfig{Shell: "/bin/sh"}, sessionStore, zerolog.Nop())
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	workspaces, err := workspace.NewStore(ctx, db)
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}
	vaultManager, err := vault.NewManager(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	transfers, err := transfer.NewEngine(transfer.Config{Root: t.TempDir(), ChunkSize: 512}, zerolog.Nop())
	if err != nil {
		t.Fatalf("transfer engine: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pulsard.sock")
	server, err := Listen("pulsard", path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	RegisterPulsar(server, PulsarDeps{
		Sessions:   sessions,
		Workspaces: workspaces,
		Vault:      vaultManager,
		Transfers:  transfers,
		Started:    time.Now(),
	})
	serveCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = server.Serve(serveCtx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		sessions.StopAll(context.Background())
	})
	return path, sessions
}

func call(t *testing.T, conn net.Conn, id, method string, params any) orbitrpc.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = encoded
	}
	body, err := json.Marshal(orbitrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := orbitrpc.WriteFrame(conn, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	respBody, err := orbitrpc.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp orbitrpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func mustResult(t *testing.T, resp orbitrpc.Response, out any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("decode result %s: %v", resp.Result, err)
		}
	}
}

func TestSessionLifecycleOverIPC(t *testing.T) {
	path, _ := startPulsarServer(t)
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var created orbitrpc.CreateSessionResult
	resp := call(t, conn, "1", orbitrpc.MethodCreateSession, orbitrpc.CreateSessionParams{Name: "work", Kind: "local"})
	if resp.Error != nil {
		t.Skipf("cannot create pty session: %+v", resp.Error)
	}
	mustResult(t, resp, &created)

	var attached orbitrpc.SessionRef
	mustResult(t, call(t, conn, "2", orbitrpc.MethodAttachSession, orbitrpc.SessionRef{SessionID: created.SessionID}), &attached)
	if attached.ClientID == "" {
		t.Fatal("attach did not assign a client id")
	}

	input := base64.StdEncoding.EncodeToString([]byte("echo ipc_$((60+6))\n"))
	mustResult(t, call(t, conn, "3", orbitrpc.MethodSendInput, orbitrpc.SendInputParams{SessionID: created.SessionID, Data: input}), nil)

	var seen bytes.Buffer
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		var out orbitrpc.ReceiveOutputResult
		mustResult(t, call(t, conn, "4", orbitrpc.MethodReceiveOutput, orbitrpc.ReceiveOutputParams{
			SessionID: created.SessionID, ClientID: attached.ClientID, TimeoutMs: 300,
		}), &out)
		decoded, err := base64.StdEncoding.DecodeString(out.Data)
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		seen.Write(decoded)
		if bytes.Contains(seen.Bytes(), []byte("ipc_66")) {
			break
		}
	}
	if !bytes.Contains(seen.Bytes(), []byte("ipc_66")) {
		t.Fatalf("output not received: %q", seen.Bytes())
	}

	var list orbitrpc.ListSessionsResult
	mustResult(t, call(t, conn, "5", orbitrpc.MethodListSessions, nil), &list)
	if len(list.Sessions) != 1 || list.Sessions[0].Status != "running" {
		t.Fatalf("list = %+v", list.Sessions)
	}

	mustResult(t, call(t, conn, "6", "snapshot_session", orbitrpc.SessionRef{SessionID: created.SessionID}), nil)
	var snap struct {
		Buffer string `json:"buffer"`
	}
	mustResult(t, call(t, conn, "7", "load_latest_snapshot", orbitrpc.SessionRef{SessionID: created.SessionID}), &snap)
	buffer, err := base64.StdEncoding.DecodeString(snap.Buffer)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !bytes.Contains(buffer, []byte("ipc_66")) {
		t.Fatalf("snapshot missing output: %q", buffer)
	}

	mustResult(t, call(t, conn, "8", orbitrpc.MethodDetachSession, attached), nil)
	var list2 orbitrpc.ListSessionsResult
	mustResult(t, call(t, conn, "9", orbitrpc.MethodListSessions, nil), &list2)
	if list2.Sessions[0].Status != "detached" {
		t.Fatalf("status after detach = %s", list2.Sessions[0].Status)
	}

	mustResult(t, call(t, conn, "10", orbitrpc.MethodTerminateSession, orbitrpc.SessionRef{SessionID: created.SessionID}), nil)
	resp = call(t, conn, "11", orbitrpc.MethodAttachSession, orbitrpc.SessionRef{SessionID: created.SessionID})
	if resp.Error == nil || resp.Error.Code != orbitrpc.CodeSessionNotFound {
		t.Fatalf("attach after terminate = %+v", resp)
	}
}

func TestVaultOverIPC(t *testing.T) {
	path, _ := startPulsarServer(t)
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var status struct {
		State string `json:"state"`
	}
	mustResult(t, call(t, conn, "1", MethodVaultStatus, nil), &status)
	if status.State != "uninitialized" {
		t.Fatalf("state = %s", status.State)
	}

	// Locked operations report VAULT_LOCKED.
	resp := call(t, conn, "2", MethodVaultAdd, vaultParams{Name: "x"})
	if resp.Error == nil || resp.Error.Code != orbitrpc.CodeVaultLocked {
		t.Fatalf("add before init = %+v", resp)
	}

	mustResult(t, call(t, conn, "3", MethodVaultInit, vaultParams{Password: "pw"}), nil)

	var added struct {
		CredentialID string `json:"credential_id"`
	}
	mustResult(t, call(t, conn, "4", MethodVaultAdd, vaultParams{
		Name: "db",
		Data: vault.CredentialData{Kind: vault.KindPassword, Password: &vault.PasswordData{Password: "hunter2"}},
	}), &added)

	var got vault.CredentialData
	mustResult(t, call(t, conn, "5", MethodVaultGet, vaultParams{CredentialID: added.CredentialID}), &got)
	if got.Password == nil || got.Password.Password != "hunter2" {
		t.Fatalf("credential = %+v", got)
	}

	mustResult(t, call(t, conn, "6", MethodVaultLock, nil), nil)
	resp = call(t, conn, "7", MethodVaultGet, vaultParams{CredentialID: added.CredentialID})
	if resp.Error == nil || resp.Error.Code != orbitrpc.CodeVaultLocked {
		t.Fatalf("get while locked = %+v", resp)
	}

	resp = call(t, conn, "8", MethodVaultUnlock, vaultParams{Password: "nope"})
	if resp.Error == nil || resp.Error.Code != orbitrpc.CodeVaultLocked {
		t.Fatalf("bad unlock = %+v", resp)
	}
	mustResult(t, call(t, conn, "9", MethodVaultUnlock, vaultParams{Password: "pw"}), nil)
	mustResult(t, call(t, conn, "10", MethodVaultGet, vaultParams{CredentialID: added.CredentialID}), &got)
}

func TestWorkspaceOverIPC(t *testing.T) {
	path, _ := startPulsarServer(t)
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	layout := workspace.Pane{ID: "root", Direction: "horizontal", Children: []workspace.Pane{
		{ID: "left", Size: 0.5}, {ID: "right", Size: 0.5},
	}}
	var ws workspace.Workspace
	mustResult(t, call(t, conn, "1", orbitrpc.MethodCreateWorkspace, workspaceParams{Name: "dev", Layout: layout}), &ws)

	var snapped struct {
		SnapshotID int64 `json:"snapshot_id"`
	}
	mustResult(t, call(t, conn, "2", orbitrpc.MethodSnapshotWorkspace, workspaceParams{WorkspaceID: ws.ID.String()}), &snapped)

	mustResult(t, call(t, conn, "3", orbitrpc.MethodUpdateWorkspace, workspaceParams{
		WorkspaceID: ws.ID.String(), Layout: workspace.Pane{ID: "solo"},
	}), nil)

	mustResult(t, call(t, conn, "4", orbitrpc.MethodRestoreWorkspace, workspaceParams{
		WorkspaceID: ws.ID.String(), SnapshotID: snapped.SnapshotID,
	}), nil)

	var restored workspace.Workspace
	mustResult(t, call(t, conn, "5", orbitrpc.MethodGetWorkspace, workspaceParams{WorkspaceID: ws.ID.String()}), &restored)
	if len(restored.Layout.Children) != 2 {
		t.Fatalf("restored layout = %+v", restored.Layout)
	}
}
