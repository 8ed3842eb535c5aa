package sessiond

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/ptyproc"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusDetached Status = "detached"
	StatusStopped  Status = "stopped"
)

// Kind describes what the session's PTY is attached to.
type Kind struct {
	Type   string `json:"type"` // local, ssh, serial
	Host   string `json:"host,omitempty"`
	Port   uint16 `json:"port,omitempty"`
	Device string `json:"device,omitempty"`
}

const (
	KindLocal  = "local"
	KindSsh    = "ssh"
	KindSerial = "serial"
)

// terminalBufferCap bounds the in-memory scrollback captured by snapshots.
const terminalBufferCap = 256 * 1024

// broadcastReadSize is the PTY read buffer used by the broadcaster.
const broadcastReadSize = 8192

// Session owns one PTY and its broadcast bus.
type Session struct {
	ID        uuid.UUID
	Name      string
	Kind      Kind
	CreatedAt time.Time

	proc *ptyproc.Proc
	bus  *Bus

	mu         sync.RWMutex
	status     Status
	clients    map[uuid.UUID]struct{}
	lastActive time.Time
	buffer     []byte

	log zerolog.Logger
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Buffer returns a copy of the captured terminal buffer.
func (s *Session) Buffer() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Write feeds client input into the PTY.
func (s *Session) Write(data []byte) error {
	_, err := s.proc.Write(data)
	return err
}

// Resize adjusts the PTY dimensions.
func (s *Session) Resize(rows, cols uint16) error {
	return s.proc.Resize(rows, cols)
}

// Subscribe attaches a consumer to the live output stream.
func (s *Session) Subscribe() (*Subscriber, error) {
	return s.bus.Subscribe(0)
}

// attach inserts a client; any non-terminal state becomes Running.
func (s *Session) attach(clientID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return ErrSessionStopped
	}
	s.clients[clientID] = struct{}{}
	s.status = StatusRunning
	s.lastActive = time.Now()
	return nil
}

// detach removes a client; an empty client set means Detached.
func (s *Session) detach(clientID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	if len(s.clients) == 0 && s.status == StatusRunning {
		s.status = StatusDetached
	}
}

// stop moves the session to its terminal state and releases the PTY.
func (s *Session) stop() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	s.clients = make(map[uuid.UUID]struct{})
	s.mu.Unlock()

	_ = s.proc.Close()
	s.bus.Close()
}

func (s *Session) appendBuffer(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, data...)
	if overflow := len(s.buffer) - terminalBufferCap; overflow > 0 {
		s.buffer = s.buffer[overflow:]
	}
	s.lastActive = time.Now()
}

// runBroadcaster loops reading the PTY and publishing output until the
// session stops. Transient read errors are retried briefly; persistent ones
// stop the session.
func (s *Session) runBroadcaster() {
	s.log.Debug().Msg("Output broadcaster started")
	buf := make([]byte, broadcastReadSize)
	var consecutiveErrors int
	for {
		if s.Status() == StatusStopped {
			break
		}
		n, err := s.proc.TryRead(buf, 50*time.Millisecond)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= 5 {
				s.log.Debug().Err(err).Msg("Persistent PTY read error, stopping session")
				s.stop()
				break
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		consecutiveErrors = 0
		if n > 0 {
			s.appendBuffer(buf[:n])
			s.bus.Publish(buf[:n])
		}
	}
	s.log.Debug().Msg("Output broadcaster exited")
}

// buildCommand maps a session kind to the process spawned on the PTY.
func buildCommand(kind Kind, shell, cwd string) ptyproc.Config {
	switch kind.Type {
	case KindSsh:
		args := []string{}
		if kind.Port != 0 && kind.Port != 22 {
			args = append(args, "-p", strconv.Itoa(int(kind.Port)))
		}
		args = append(args, kind.Host)
		return ptyproc.Config{Shell: "ssh", Args: args, Cwd: cwd}
	case KindSerial:
		return ptyproc.Config{Shell: "cu", Args: []string{"-l", kind.Device}, Cwd: cwd}
	default:
		return ptyproc.Config{Shell: shell, Cwd: cwd}
	}
}

// ParseKind normalizes a kind string from the wire.
func ParseKind(kindType, host string, port uint16, device string) Kind {
	switch strings.ToLower(kindType) {
	case KindSsh:
		return Kind{Type: KindSsh, Host: host, Port: port}
	case KindSerial:
		return Kind{Type: KindSerial, Device: device}
	default:
		return Kind{Type: KindLocal}
	}
}
