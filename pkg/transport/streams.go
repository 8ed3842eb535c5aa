package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/northriverfence/orbit/pkg/transfer"
)

// maxLineSize bounds a single JSON control line on a stream.
const maxLineSize = 64 * 1024

type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, maxLineSize)}
}

// ReadLine returns one \n-terminated line without the terminator.
func (l *lineReader) ReadLine() ([]byte, error) {
	line, err := l.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("control line exceeds %d bytes", maxLineSize)
	}
	if err != nil {
		return nil, err
	}
	return bytes.Clone(bytes.TrimRight(line, "\r\n")), nil
}

// ReadFull reads exactly n payload bytes following a chunk header.
func (l *lineReader) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeJSON(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func writeError(w io.Writer, transferID, kind, message string) error {
	return writeJSON(w, &transfer.ErrorMessage{
		Type:       transfer.TypeError,
		TransferID: transferID,
		ErrorKind:  kind,
		Message:    message,
	})
}

// serveTransferStream drives one file transfer to completion or failure.
// The first message has already been read.
func (s *Server) serveTransferStream(stream *quic.Stream, r *lineReader, first any) error {
	if err := s.dispatchTransfer(stream, r, first); err != nil {
		return err
	}
	for {
		line, err := r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(line) == 0 {
			continue
		}
		msg, err := transfer.DecodeMessage(line)
		if err != nil {
			return writeError(stream, "", "bad_request", err.Error())
		}
		if err := s.dispatchTransfer(stream, r, msg); err != nil {
			return err
		}
	}
}

func (s *Server) dispatchTransfer(stream *quic.Stream, r *lineReader, msg any) error {
	switch m := msg.(type) {
	case *transfer.TransferStart:
		ack, err := s.transfers.HandleStart(m)
		if err != nil {
			return writeError(stream, m.TransferID, transfer.ErrorKind(err), err.Error())
		}
		return writeJSON(stream, ack)
	case *transfer.ChunkData:
		payload, err := r.ReadFull(m.ChunkSize)
		if err != nil {
			return fmt.Errorf("read chunk payload: %w", err)
		}
		ack, err := s.transfers.HandleChunk(m, payload)
		if err != nil {
			return writeError(stream, m.TransferID, transfer.ErrorKind(err), err.Error())
		}
		return writeJSON(stream, ack)
	case *transfer.TransferComplete:
		success, err := s.transfers.HandleComplete(m)
		if err != nil {
			return writeError(stream, m.TransferID, transfer.ErrorKind(err), err.Error())
		}
		return writeJSON(stream, success)
	case *transfer.ResumeRequest:
		info, err := s.transfers.HandleResume(m)
		if err != nil {
			return writeError(stream, m.TransferID, transfer.ErrorKind(err), err.Error())
		}
		return writeJSON(stream, info)
	case *transfer.TransferAbort:
		s.transfers.HandleAbort(m)
		return nil
	default:
		return writeError(stream, "", "bad_request", "unexpected message on transfer stream")
	}
}

// serveTerminalStream bridges a session's broadcast bus and the stream: bus
// frames flow out, stream bytes flow into the PTY.
func (s *Server) serveTerminalStream(ctx context.Context, stream *quic.Stream, r *lineReader, sessionID uuid.UUID) error {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return writeError(stream, "", "session_not_found", err.Error())
	}
	clientID := uuid.New()
	sub, err := s.sessions.Attach(ctx, sessionID, clientID)
	if err != nil {
		return writeError(stream, "", "session_not_found", err.Error())
	}
	defer func() {
		sub.Unsubscribe()
		_ = s.sessions.Detach(context.WithoutCancel(ctx), sessionID, clientID)
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Output pump: bus -> stream.
	go func() {
		defer cancel()
		for {
			frame, err := sub.Recv(streamCtx, 0)
			if err != nil {
				return
			}
			if _, err := stream.Write(frame); err != nil {
				return
			}
		}
	}()

	// Input pump: stream -> PTY. Buffered bytes from the preamble read
	// are drained through the same reader.
	buf := make([]byte, 8192)
	for {
		n, err := r.r.Read(buf)
		if n > 0 {
			if err := session.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if streamCtx.Err() != nil {
			return nil
		}
	}
}
