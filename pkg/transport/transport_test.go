package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
	"github.com/northriverfence/orbit/pkg/localdb"
	"github.com/northriverfence/orbit/pkg/sessiond"
	"github.com/northriverfence/orbit/pkg/transfer"
)

func setupServer(t *testing.T) (*Server, *sessiond.Manager, *transfer.Engine) {
	t.Helper()
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	store, err := sessiond.NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sessions, err := sessiond.NewManager(context.Background(), sessiond.ManagerConfig{Shell: "/bin/sh"}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	transfers, err := transfer.NewEngine(transfer.Config{Root: t.TempDir(), ChunkSize: 512}, zerolog.Nop())
	if err != nil {
		t.Fatalf("transfer engine: %v", err)
	}
	server, err := Listen("127.0.0.1:0", sessions, transfers, zerolog.Nop())
	if err != nil {
		t.Skipf("cannot bind quic endpoint: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		sessions.StopAll(context.Background())
	})
	return server, sessions, transfers
}

func dial(t *testing.T, server *Server) *quic.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, server.Addr(), InsecureClientTLS(), nil)
	if err != nil {
		t.Skipf("cannot dial quic: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.CloseWithError(0, "test done")
	})
	return conn
}

func readResponse(t *testing.T, r *lineReader) any {
	t.Helper()
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	msg, err := transfer.DecodeMessage(line)
	if err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return msg
}

func TestFileTransferOverQUIC(t *testing.T) {
	server, _, _ := setupServer(t)
	conn := dial(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()
	r := newLineReader(stream)

	data := bytes.Repeat([]byte("quic transfer "), 100)
	chunkSize := 512
	var chunks [][]byte
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	fileHash := cryptoseal.HashHex(data)

	send := func(msg any) {
		t.Helper()
		payload, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = append(payload, '\n')
		if _, err := stream.Write(payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(&transfer.TransferStart{
		Type: transfer.TypeTransferStart, TransferID: "q1", FileName: "q1.bin",
		FileSize: uint64(len(data)), ChunkSize: chunkSize,
		TotalChunks: uint32(len(chunks)), FileHash: fileHash,
	})
	ack, ok := readResponse(t, r).(*transfer.TransferAck)
	if !ok || !ack.Accepted {
		t.Fatalf("ack = %#v", ack)
	}

	for i, chunk := range chunks {
		send(&transfer.ChunkData{
			Type: transfer.TypeChunkData, TransferID: "q1",
			ChunkIndex: uint32(i), ChunkSize: len(chunk),
			ChunkHash: cryptoseal.HashHex(chunk),
		})
		if _, err := stream.Write(chunk); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
		chunkAck, ok := readResponse(t, r).(*transfer.ChunkAck)
		if !ok || !chunkAck.HashValid {
			t.Fatalf("chunk ack = %#v", chunkAck)
		}
	}

	send(&transfer.TransferComplete{
		Type: transfer.TypeTransferComplete, TransferID: "q1",
		TotalChunks: uint32(len(chunks)), TotalBytes: uint64(len(data)), FinalHash: fileHash,
	})
	success, ok := readResponse(t, r).(*transfer.TransferSuccess)
	if !ok || !success.Verified || success.ComputedHash != fileHash {
		t.Fatalf("success = %#v", success)
	}
}

func TestTerminalStreamOverQUIC(t *testing.T) {
	server, sessions, _ := setupServer(t)
	session, err := sessions.Create(context.Background(), "term", sessiond.Kind{Type: sessiond.KindLocal}, "")
	if err != nil {
		t.Skipf("cannot create pty session: %v", err)
	}
	conn := dial(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte(session.ID.String() + "\n")); err != nil {
		t.Fatalf("write preamble: %v", err)
	}
	if _, err := stream.Write([]byte("echo tq_$((50+5))\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var seen bytes.Buffer
	buf := make([]byte, 8192)
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		_ = stream.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := stream.Read(buf)
		seen.Write(buf[:n])
		if bytes.Contains(seen.Bytes(), []byte("tq_55")) {
			return
		}
		if err != nil {
			continue
		}
	}
	t.Fatalf("terminal output not seen: %q", seen.Bytes())
}

func TestBadPreambleGetsError(t *testing.T) {
	server, _, _ := setupServer(t)
	conn := dial(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()
	if _, err := fmt.Fprintf(stream, "definitely-not-a-uuid\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := newLineReader(stream)
	msg := readResponse(t, r)
	errMsg, ok := msg.(*transfer.ErrorMessage)
	if !ok || errMsg.ErrorKind != "bad_request" {
		t.Fatalf("response = %#v", msg)
	}
}
