// Package audit keeps an append-only record of security-relevant daemon
// events with a queryable filter.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type EventType string

const (
	EventCommandExecuted EventType = "command_executed"
	EventCommandRejected EventType = "command_rejected"
	EventAIQuery         EventType = "ai_query"
	EventSecurityEvent   EventType = "security_event"
	EventConfigChange    EventType = "config_change"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	User      string    `json:"user"`
	Command   string    `json:"command,omitempty"`
	Result    string    `json:"result,omitempty"`
	Details   string    `json:"details,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// Filter narrows a query; zero values match everything.
type Filter struct {
	Type     EventType
	User     string
	Severity Severity
	Start    time.Time
	End      time.Time
	Limit    int
}

type Logger struct {
	db  *dbutil.Database
	log zerolog.Logger
}

func NewLogger(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Logger, error) {
	l := &Logger{db: db, log: log.With().Str("component", "audit").Logger()}
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		user TEXT NOT NULL,
		command TEXT,
		result TEXT,
		details TEXT,
		severity TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		session_id TEXT
	)`)
	if err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return l, nil
}

// Log appends one event and returns its id.
func (l *Logger) Log(ctx context.Context, event Event) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	result, err := l.db.Exec(ctx,
		`INSERT INTO audit_log (event_type, user, command, result, details, severity, timestamp, session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(event.Type), event.User, event.Command, event.Result, event.Details,
		string(event.Severity), event.Timestamp.UnixMilli(), event.SessionID)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return result.LastInsertId()
}

// Query returns matching events, newest first.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, event_type, user, command, result, details, severity, timestamp, session_id
		FROM audit_log WHERE 1=1`)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Type != "" {
		query.WriteString(" AND event_type=" + arg(string(filter.Type)))
	}
	if filter.User != "" {
		query.WriteString(" AND user=" + arg(filter.User))
	}
	if filter.Severity != "" {
		query.WriteString(" AND severity=" + arg(string(filter.Severity)))
	}
	if !filter.Start.IsZero() {
		query.WriteString(" AND timestamp>=" + arg(filter.Start.UnixMilli()))
	}
	if !filter.End.IsZero() {
		query.WriteString(" AND timestamp<=" + arg(filter.End.UnixMilli()))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT " + arg(filter.Limit))
	}
	rows, err := l.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var eventType, severity string
		var ts int64
		if err := rows.Scan(&e.ID, &eventType, &e.User, &e.Command, &e.Result, &e.Details, &severity, &ts, &e.SessionID); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Severity = Severity(severity)
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupOlderThan deletes events older than the retention window and
// returns how many were removed.
func (l *Logger) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := l.db.Exec(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return result.RowsAffected()
}

// Export renders matching events as a JSON array.
func (l *Logger) Export(ctx context.Context, filter Filter) (string, error) {
	events, err := l.Query(ctx, filter)
	if err != nil {
		return "", err
	}
	if events == nil {
		events = []Event{}
	}
	out, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Convenience constructors mirroring the event taxonomy.

func CommandExecuted(user, command, result string) Event {
	return Event{Type: EventCommandExecuted, User: user, Command: command, Result: result}
}

func CommandRejected(user, command, reason string) Event {
	return Event{Type: EventCommandRejected, User: user, Command: command, Details: reason, Severity: SeverityWarning}
}

func AIQuery(user, input, suggestion string) Event {
	return Event{Type: EventAIQuery, User: user, Command: input, Result: suggestion}
}

func SecurityEvent(user, details string) Event {
	return Event{Type: EventSecurityEvent, User: user, Details: details, Severity: SeverityCritical}
}

func ConfigChange(user, details string) Event {
	return Event{Type: EventConfigChange, User: user, Details: details}
}
