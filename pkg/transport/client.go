package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quic-go/quic-go"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
	"github.com/northriverfence/orbit/pkg/transfer"
)

// Client is the sending side of the file-transfer protocol, used by the
// desktop client and by end-to-end tests.
type Client struct {
	conn      *quic.Conn
	chunkSize int
}

// Dial connects to a pulsar endpoint.
func Dial(ctx context.Context, addr string, chunkSize int) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, InsecureClientTLS(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Client{conn: conn, chunkSize: chunkSize}, nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}

// SendFile streams a whole file and returns the server's verification
// result.
func (c *Client) SendFile(ctx context.Context, transferID, path string) (*transfer.TransferSuccess, error) {
	info, fileHash, err := statAndHash(path)
	if err != nil {
		return nil, err
	}
	totalChunks := chunkCount(info.Size(), c.chunkSize)

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	r := newLineReader(stream)

	err = writeJSON(stream, &transfer.TransferStart{
		Type:        transfer.TypeTransferStart,
		TransferID:  transferID,
		FileName:    filepath.Base(path),
		FileSize:    uint64(info.Size()),
		ChunkSize:   c.chunkSize,
		TotalChunks: totalChunks,
		FileHash:    fileHash,
	})
	if err != nil {
		return nil, err
	}
	ack, err := expect[*transfer.TransferAck](r)
	if err != nil {
		return nil, err
	}
	if !ack.Accepted {
		return nil, fmt.Errorf("transfer %s not accepted", transferID)
	}

	if err := c.sendChunks(stream, r, transferID, path, nil, totalChunks); err != nil {
		return nil, err
	}
	return c.complete(stream, r, transferID, totalChunks, uint64(info.Size()), fileHash)
}

// ResumeFile continues an interrupted transfer, sending only the chunks
// the server reports missing.
func (c *Client) ResumeFile(ctx context.Context, transferID, path string) (*transfer.TransferSuccess, error) {
	info, fileHash, err := statAndHash(path)
	if err != nil {
		return nil, err
	}
	totalChunks := chunkCount(info.Size(), c.chunkSize)

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	r := newLineReader(stream)

	err = writeJSON(stream, &transfer.ResumeRequest{
		Type:       transfer.TypeResumeRequest,
		TransferID: transferID,
		FileName:   filepath.Base(path),
		FileSize:   uint64(info.Size()),
		FileHash:   fileHash,
	})
	if err != nil {
		return nil, err
	}
	resumeInfo, err := expect[*transfer.ResumeInfo](r)
	if err != nil {
		return nil, err
	}

	if err := c.sendChunks(stream, r, transferID, path, resumeInfo.MissingChunks, totalChunks); err != nil {
		return nil, err
	}
	return c.complete(stream, r, transferID, totalChunks, uint64(info.Size()), fileHash)
}

// sendChunks streams the listed chunk indexes (or all of them when indexes
// is nil), verifying each ack.
func (c *Client) sendChunks(w io.Writer, r *lineReader, transferID, path string, indexes []uint32, totalChunks uint32) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if indexes == nil {
		indexes = make([]uint32, totalChunks)
		for i := range indexes {
			indexes[i] = uint32(i)
		}
	}
	buf := make([]byte, c.chunkSize)
	for _, index := range indexes {
		n, err := f.ReadAt(buf, int64(index)*int64(c.chunkSize))
		if err != nil && err != io.EOF {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		chunk := buf[:n]
		err = writeJSON(w, &transfer.ChunkData{
			Type:       transfer.TypeChunkData,
			TransferID: transferID,
			ChunkIndex: index,
			ChunkSize:  len(chunk),
			ChunkHash:  cryptoseal.HashHex(chunk),
		})
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		ack, err := expect[*transfer.ChunkAck](r)
		if err != nil {
			return err
		}
		if !ack.Received || !ack.HashValid {
			return fmt.Errorf("chunk %d rejected by server", index)
		}
	}
	return nil
}

func (c *Client) complete(w io.Writer, r *lineReader, transferID string, totalChunks uint32, totalBytes uint64, fileHash string) (*transfer.TransferSuccess, error) {
	err := writeJSON(w, &transfer.TransferComplete{
		Type:        transfer.TypeTransferComplete,
		TransferID:  transferID,
		TotalChunks: totalChunks,
		TotalBytes:  totalBytes,
		FinalHash:   fileHash,
	})
	if err != nil {
		return nil, err
	}
	return expect[*transfer.TransferSuccess](r)
}

// expect reads one response line and requires it to decode to T; a wire
// Error message becomes a Go error.
func expect[T any](r *lineReader) (T, error) {
	var zero T
	line, err := r.ReadLine()
	if err != nil {
		return zero, err
	}
	msg, err := transfer.DecodeMessage(line)
	if err != nil {
		return zero, err
	}
	if errMsg, ok := msg.(*transfer.ErrorMessage); ok {
		return zero, fmt.Errorf("server error %s: %s", errMsg.ErrorKind, errMsg.Message)
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected message %T", msg)
	}
	return typed, nil
}

func statAndHash(path string) (os.FileInfo, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	hasher := cryptoseal.NewStreamHasher()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}
	}
	return info, hasher.SumHex(), nil
}

func chunkCount(size int64, chunkSize int) uint32 {
	if size == 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}
