// Package transport runs the pulsar QUIC endpoint. Bidirectional streams
// demultiplex on their first line: a session id opens a terminal stream, a
// transfer_start or resume_request JSON message opens a file-transfer
// stream. Unidirectional streams are reserved for control messages.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/sessiond"
	"github.com/northriverfence/orbit/pkg/transfer"
)

type Server struct {
	listener  *quic.Listener
	sessions  *sessiond.Manager
	transfers *transfer.Engine
	log       zerolog.Logger
}

// Listen binds the QUIC endpoint on addr (loopback).
func Listen(addr string, sessions *sessiond.Manager, transfers *transfer.Engine, log zerolog.Logger) (*Server, error) {
	tlsConf, err := SelfSignedTLS()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: false})
	if err != nil {
		return nil, fmt.Errorf("listen quic on %s: %w", addr, err)
	}
	return &Server{
		listener:  listener,
		sessions:  sessions,
		transfers: transfers,
		log:       log.With().Str("component", "transport").Logger(),
	}, nil
}

// Addr reports the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Str("addr", s.Addr()).Msg("QUIC endpoint listening")
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close shuts the endpoint down.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("Connection accepted")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Connection closed")
			return
		}
		go func() {
			if err := s.handleStream(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("Stream ended with error")
			}
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, stream *quic.Stream) error {
	defer stream.Close()
	r := newLineReader(stream)
	first, err := r.ReadLine()
	if err != nil {
		return fmt.Errorf("read stream preamble: %w", err)
	}

	// JSON object => file transfer; anything else is a session id.
	if len(first) > 0 && first[0] == '{' {
		msg, err := transfer.DecodeMessage(first)
		if err != nil {
			return writeError(stream, "", "bad_request", err.Error())
		}
		return s.serveTransferStream(stream, r, msg)
	}

	sessionID, err := uuid.Parse(string(first))
	if err != nil {
		return writeError(stream, "", "bad_request", "stream preamble is neither a session id nor a transfer message")
	}
	return s.serveTerminalStream(ctx, stream, r, sessionID)
}
