// Package ipcserve is the local socket front-door shared by both daemons:
// length-prefixed JSON request/response with a connection semaphore, plus
// orbit's legacy line protocol for shells that predate the JSON framing.
package ipcserve

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/orbitrpc"
)

// DefaultMaxConnections is the connection semaphore size.
const DefaultMaxConnections = 100

// HandlerFunc serves one method. A nil *RPCError means success.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *orbitrpc.RPCError)

// LegacyFunc serves one unadorned command line and returns the reply line
// (without trailing newline).
type LegacyFunc func(ctx context.Context, line string) string

type Server struct {
	name     string
	listener net.Listener
	sem      chan struct{}

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	legacy   LegacyFunc

	onShutdown func()

	log zerolog.Logger
}

// SocketPath resolves the rendezvous path: $XDG_RUNTIME_DIR/<name>.sock,
// falling back to /tmp/<name>.sock.
func SocketPath(name string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, name+".sock")
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

// Listen binds the owner-only unix socket. maxConns <= 0 uses the default.
func Listen(name, path string, maxConns int, log zerolog.Logger) (*Server, error) {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// A previous daemon instance may have left the socket behind.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return &Server{
		name:     name,
		listener: listener,
		sem:      make(chan struct{}, maxConns),
		handlers: make(map[string]HandlerFunc),
		log:      log.With().Str("component", "ipc").Logger(),
	}, nil
}

// Register installs a method handler.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// SetLegacy installs the fallback for non-JSON request lines.
func (s *Server) SetLegacy(handler LegacyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = handler
}

// OnShutdown registers the callback fired by the shutdown method.
func (s *Server) OnShutdown(fn func()) {
	s.onShutdown = fn
}

// Serve accepts connections until ctx is cancelled. Connections beyond the
// semaphore are rejected immediately.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Str("path", s.listener.Addr().String()).Msg("IPC server listening")
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn().Msg("Connection limit reached, rejecting client")
			_ = conn.Close()
			continue
		}
		go func() {
			defer func() {
				<-s.sem
				_ = conn.Close()
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close tears the listener down.
func (s *Server) Close() error {
	return s.listener.Close()
}

// handleConn processes requests in arrival order; replies are written in
// the same order because the loop is sequential.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	for {
		mode, body, err := s.readMessage(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("Connection read failed")
				if errors.Is(err, orbitrpc.ErrFrameTooLarge) {
					s.writeResponse(conn, orbitrpc.NewErrorResponse("", orbitrpc.NewError(orbitrpc.CodeInvalidRequest, "message exceeds 1 MiB limit")))
				}
			}
			return
		}
		switch mode {
		case modeFramed:
			if !s.serveFramed(ctx, conn, body) {
				return
			}
		case modeLegacy:
			if !s.serveLegacy(ctx, conn, string(body)) {
				return
			}
		}
	}
}

type readMode int

const (
	modeFramed readMode = iota
	modeLegacy
)

// readMessage sniffs the wire format. A 4-byte little-endian length within
// bounds means a framed message; anything else is a legacy text line (its
// fourth byte is the high byte of the length, so any non-zero text byte
// there decodes to a length far above the cap).
func (s *Server) readMessage(conn net.Conn) (readMode, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return modeFramed, nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size <= orbitrpc.MaxFrameSize {
		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			return modeFramed, nil, fmt.Errorf("read frame body: %w", err)
		}
		return modeFramed, body, nil
	}
	if !headerLooksLikeText(header) {
		return modeFramed, nil, fmt.Errorf("%w: %d bytes", orbitrpc.ErrFrameTooLarge, size)
	}
	// Legacy line: the four sniffed bytes are the line's head.
	line := append([]byte{}, header[:]...)
	buf := make([]byte, 1)
	for {
		if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
			return modeLegacy, bytes.TrimSpace(line[:idx]), nil
		}
		if len(line) > orbitrpc.MaxFrameSize {
			return modeLegacy, nil, orbitrpc.ErrFrameTooLarge
		}
		if _, err := conn.Read(buf); err != nil {
			return modeLegacy, nil, err
		}
		line = append(line, buf[0])
	}
}

func headerLooksLikeText(header [4]byte) bool {
	for _, b := range header {
		if b != '\n' && b != '\r' && b != '\t' && (b < 0x20 || b > 0x7e) {
			return false
		}
	}
	return true
}

// serveFramed dispatches one JSON request; returns false to drop the
// connection.
func (s *Server) serveFramed(ctx context.Context, conn net.Conn, body []byte) bool {
	var req orbitrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(conn, orbitrpc.NewErrorResponse("", orbitrpc.NewError(orbitrpc.CodeInvalidRequest, "request is not valid JSON")))
		return true
	}
	if req.Method == orbitrpc.MethodShutdown {
		s.writeResponse(conn, orbitrpc.NewResult(req.ID, map[string]bool{"ok": true}))
		if s.onShutdown != nil {
			s.onShutdown()
		}
		return false
	}
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeResponse(conn, orbitrpc.NewErrorResponse(req.ID, orbitrpc.NewError(orbitrpc.CodeMethodNotFound, "unknown method "+req.Method)))
		return true
	}
	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		s.writeResponse(conn, orbitrpc.NewErrorResponse(req.ID, rpcErr))
		return true
	}
	s.writeResponse(conn, orbitrpc.NewResult(req.ID, result))
	return true
}

func (s *Server) serveLegacy(ctx context.Context, conn net.Conn, line string) bool {
	s.mu.RLock()
	legacy := s.legacy
	s.mu.RUnlock()
	if legacy == nil {
		s.log.Debug().Msg("Legacy line received but no legacy handler installed")
		return false
	}
	reply := legacy(ctx, line)
	if _, err := conn.Write([]byte(reply + "\n")); err != nil {
		s.log.Debug().Err(err).Msg("Legacy reply write failed")
		return false
	}
	return true
}

func (s *Server) writeResponse(conn net.Conn, resp orbitrpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	if err := orbitrpc.WriteFrame(conn, body); err != nil {
		s.log.Debug().Err(err).Msg("Response write failed")
	}
}
