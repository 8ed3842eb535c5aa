package orbitrpc

import "go.mau.fi/util/jsontime"

// Orbit methods.
const (
	MethodCommand  = "command"
	MethodFeedback = "feedback"
	MethodStatus   = "status"
	MethodShutdown = "shutdown"
)

// Pulsar methods.
const (
	MethodCreateSession    = "create_session"
	MethodListSessions     = "list_sessions"
	MethodAttachSession    = "attach_session"
	MethodDetachSession    = "detach_session"
	MethodTerminateSession = "terminate_session"
	MethodResizeTerminal   = "resize_terminal"
	MethodSendInput        = "send_input"
	MethodReceiveOutput    = "receive_output"
	MethodGetStatus        = "get_status"

	MethodCreateWorkspace   = "create_workspace"
	MethodGetWorkspace      = "get_workspace"
	MethodListWorkspaces    = "list_workspaces"
	MethodUpdateWorkspace   = "update_workspace"
	MethodDeleteWorkspace   = "delete_workspace"
	MethodSnapshotWorkspace = "snapshot_workspace"
	MethodRestoreWorkspace  = "restore_workspace"
)

type CommandParams struct {
	Input string `json:"input"`
	Cwd   string `json:"cwd"`
	Shell string `json:"shell"`
}

// CommandResult is the single reply shape for the command method. Action is
// one of "passthrough", "replaced" or "error".
type CommandResult struct {
	Action      string `json:"action"`
	Command     string `json:"command,omitempty"`
	Message     string `json:"message,omitempty"`
	Destructive bool   `json:"destructive,omitempty"`
}

const (
	ActionPassthrough = "passthrough"
	ActionReplaced    = "replaced"
	ActionError       = "error"
)

// Feedback outcomes reported by the shell after running a command.
const (
	FeedbackSuccess  = "success"
	FeedbackFailed   = "failed"
	FeedbackRejected = "rejected"
	FeedbackEdited   = "edited"
)

type FeedbackParams struct {
	Input    string `json:"input"`
	Executed string `json:"executed"`
	Result   string `json:"result"`
	// Edited holds the user's replacement command when Result is "edited".
	Edited string `json:"edited,omitempty"`
}

type StatusResult struct {
	UptimeSeconds     int64   `json:"uptime_seconds"`
	ActiveRequests    int64   `json:"active_requests"`
	TotalRequests     int64   `json:"total_requests"`
	RejectedRequests  int64   `json:"rejected_requests"`
	TotalPatterns     int64   `json:"total_patterns"`
	TotalExecutions   int64   `json:"total_executions"`
	SuccessRate       float64 `json:"success_rate"`
	EmbeddingsEnabled bool    `json:"embeddings_enabled"`
}

type CreateSessionParams struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Host   string `json:"host,omitempty"`
	Port   uint16 `json:"port,omitempty"`
	Device string `json:"device,omitempty"`
	Shell  string `json:"shell,omitempty"`
	Cwd    string `json:"cwd,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
}

type CreateSessionResult struct {
	SessionID string `json:"session_id"`
}

type SessionRef struct {
	SessionID string `json:"session_id"`
	// ClientID identifies the attaching client; generated when empty.
	ClientID string `json:"client_id,omitempty"`
}

type ResizeParams struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type SendInputParams struct {
	SessionID string `json:"session_id"`
	// Data is base64-encoded input bytes.
	Data string `json:"data"`
}

type ReceiveOutputParams struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type ReceiveOutputResult struct {
	// Data is base64-encoded output bytes; empty on timeout.
	Data    string `json:"data"`
	Dropped uint64 `json:"dropped,omitempty"`
}

type SessionInfo struct {
	SessionID  string             `json:"session_id"`
	Name       string             `json:"name"`
	Kind       string             `json:"kind"`
	Status     string             `json:"status"`
	NumClients int                `json:"num_clients"`
	CreatedAt  jsontime.UnixMilli `json:"created_at"`
	LastActive jsontime.UnixMilli `json:"last_active"`
}

type ListSessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

type PulsarStatusResult struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	ActiveSessions  int    `json:"active_sessions"`
	ActiveTransfers int    `json:"active_transfers"`
	VaultState      string `json:"vault_state"`
}
