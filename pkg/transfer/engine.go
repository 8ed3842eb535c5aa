// Package transfer implements chunked, hash-verified, resumable file
// receiving. Each chunk is written to disk and acknowledged only once
// durable; the whole-file BLAKE3 hash is computed incrementally in chunk
// index order.
package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

type Config struct {
	// Root holds per-transfer working directories.
	Root string
	// DestDir receives assembled files.
	DestDir string
	// MaxFileSize caps accepted transfers.
	MaxFileSize uint64
	// ChunkSize is the preferred chunk size; senders may use up to 4x.
	ChunkSize int
	// IdleTimeout expires transfers with no activity.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 << 30
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1 << 20
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DestDir == "" {
		c.DestDir = filepath.Join(c.Root, "completed")
	}
	return c
}

// State is the persisted metadata for one transfer.
type State struct {
	TransferID     string   `json:"transfer_id"`
	FileName       string   `json:"file_name"`
	FileSize       uint64   `json:"file_size"`
	ChunkSize      int      `json:"chunk_size"`
	TotalChunks    uint32   `json:"total_chunks"`
	ReceivedChunks []uint32 `json:"received_chunks"`
	FileHash       string   `json:"file_hash"`
	StartedAt      int64    `json:"started_at"`
	LastActivity   int64    `json:"last_activity"`
	Status         Status   `json:"status"`
}

type session struct {
	mu       sync.Mutex
	state    State
	received map[uint32]bool
	hasher   *cryptoseal.StreamHasher
	// hashedUpTo is the next chunk index the incremental hasher expects.
	hashedUpTo   uint32
	lastActivity time.Time
}

// Engine receives transfers. All methods are safe for concurrent use.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	active map[string]*session

	log zerolog.Logger
}

func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create transfer root: %w", err)
	}
	if err := os.MkdirAll(cfg.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	return &Engine{
		cfg:    cfg,
		active: make(map[string]*session),
		log:    log.With().Str("component", "transfer").Logger(),
	}, nil
}

// MaxChunkSize is the largest chunk the engine accepts.
func (e *Engine) MaxChunkSize() int {
	return e.cfg.ChunkSize * 4
}

// ActiveCount reports how many transfers are registered.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// HandleStart validates and registers a new transfer.
func (e *Engine) HandleStart(msg *TransferStart) (*TransferAck, error) {
	if msg.TotalChunks == 0 {
		return nil, fmt.Errorf("%w: zero chunks", ErrInvalidChunkSize)
	}
	if msg.FileSize > e.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: file size %d exceeds maximum %d", ErrPermissionDenied, msg.FileSize, e.cfg.MaxFileSize)
	}
	if msg.ChunkSize <= 0 || msg.ChunkSize > e.MaxChunkSize() {
		return nil, chunkSizeError(0, e.cfg.ChunkSize, msg.ChunkSize)
	}
	if err := os.MkdirAll(e.chunkDir(msg.TransferID), 0o755); err != nil {
		return nil, fmt.Errorf("create transfer dir: %w", err)
	}

	now := time.Now()
	sess := &session{
		state: State{
			TransferID:   msg.TransferID,
			FileName:     msg.FileName,
			FileSize:     msg.FileSize,
			ChunkSize:    msg.ChunkSize,
			TotalChunks:  msg.TotalChunks,
			FileHash:     msg.FileHash,
			StartedAt:    now.UnixMilli(),
			LastActivity: now.UnixMilli(),
			Status:       StatusInProgress,
		},
		received:     make(map[uint32]bool),
		hasher:       cryptoseal.NewStreamHasher(),
		lastActivity: now,
	}
	if err := e.saveState(sess.state); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.active[msg.TransferID] = sess
	e.mu.Unlock()

	e.log.Info().Str("transfer_id", msg.TransferID).Str("file", msg.FileName).
		Uint32("chunks", msg.TotalChunks).Msg("Transfer started")
	return &TransferAck{
		Type:            TypeTransferAck,
		TransferID:      msg.TransferID,
		Accepted:        true,
		ResumeSupported: true,
		MaxChunkSize:    e.MaxChunkSize(),
	}, nil
}

// HandleChunk verifies and durably stores one chunk, then acknowledges it.
func (e *Engine) HandleChunk(msg *ChunkData, payload []byte) (*ChunkAck, error) {
	sess, err := e.get(msg.TransferID)
	if err != nil {
		return nil, err
	}
	if len(payload) != msg.ChunkSize {
		return nil, chunkSizeError(msg.ChunkIndex, msg.ChunkSize, len(payload))
	}
	if msg.ChunkIndex >= sess.state.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range", ErrChunkOutOfOrder, msg.ChunkIndex)
	}
	computed := cryptoseal.HashHex(payload)
	if !hashEqual(computed, msg.ChunkHash) {
		return nil, fmt.Errorf("%w: chunk %d expected %s got %s", ErrChunkHashMismatch, msg.ChunkIndex, msg.ChunkHash, computed)
	}

	if err := writeFileAtomic(e.chunkPath(msg.TransferID, msg.ChunkIndex), payload); err != nil {
		return nil, fmt.Errorf("write chunk: %w", err)
	}

	sess.mu.Lock()
	sess.received[msg.ChunkIndex] = true
	sess.lastActivity = time.Now()
	sess.state.LastActivity = sess.lastActivity.UnixMilli()
	if err := e.advanceHasherLocked(sess); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	sess.state.ReceivedChunks = sortedChunks(sess.received)
	snapshot := sess.state
	sess.mu.Unlock()

	if err := e.saveState(snapshot); err != nil {
		return nil, err
	}
	return &ChunkAck{
		Type:       TypeChunkAck,
		TransferID: msg.TransferID,
		ChunkIndex: msg.ChunkIndex,
		Received:   true,
		HashValid:  true,
	}, nil
}

// advanceHasherLocked feeds contiguous on-disk chunks into the incremental
// hasher, starting from the first unhashed index.
func (e *Engine) advanceHasherLocked(sess *session) error {
	for sess.received[sess.hashedUpTo] {
		data, err := os.ReadFile(e.chunkPath(sess.state.TransferID, sess.hashedUpTo))
		if err != nil {
			return fmt.Errorf("read chunk for hashing: %w", err)
		}
		sess.hasher.Update(data)
		sess.hashedUpTo++
	}
	return nil
}

// HandleComplete assembles the file, verifies the whole-file hash and moves
// the result to the destination directory.
func (e *Engine) HandleComplete(msg *TransferComplete) (*TransferSuccess, error) {
	sess, err := e.get(msg.TransferID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if uint32(len(sess.received)) != sess.state.TotalChunks {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrChunkOutOfOrder, len(sess.received), sess.state.TotalChunks)
	}
	if sess.hashedUpTo != sess.state.TotalChunks {
		if err := e.advanceHasherLocked(sess); err != nil {
			return nil, err
		}
	}
	computed := sess.hasher.SumHex()
	declared := msg.FinalHash
	if declared == "" {
		declared = sess.state.FileHash
	}
	if !hashEqual(computed, declared) {
		sess.state.Status = StatusFailed
		_ = e.saveState(sess.state)
		return nil, fmt.Errorf("%w: declared %s computed %s", ErrFileHashMismatch, declared, computed)
	}

	finalPath, err := e.assemble(sess)
	if err != nil {
		return nil, err
	}
	sess.state.Status = StatusComplete
	if err := e.saveState(sess.state); err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.active, msg.TransferID)
	e.mu.Unlock()

	e.log.Info().Str("transfer_id", msg.TransferID).Str("path", finalPath).Msg("Transfer complete")
	return &TransferSuccess{
		Type:         TypeTransferSuccess,
		TransferID:   msg.TransferID,
		Verified:     true,
		SavedPath:    finalPath,
		ComputedHash: computed,
	}, nil
}

// HandleResume reloads a crashed transfer and reports which chunks are
// still missing. The whole-file hasher is rebuilt by replaying received
// chunk files in index order.
func (e *Engine) HandleResume(msg *ResumeRequest) (*ResumeInfo, error) {
	state, err := e.loadMetadata(msg.TransferID)
	if err != nil {
		return nil, err
	}
	if state.FileName != msg.FileName || state.FileSize != msg.FileSize {
		return nil, fmt.Errorf("%w: file mismatch on resume", ErrTransferNotFound)
	}

	received, err := e.scanChunks(msg.TransferID)
	if err != nil {
		return nil, err
	}
	sess := &session{
		state:        *state,
		received:     received,
		hasher:       cryptoseal.NewStreamHasher(),
		lastActivity: time.Now(),
	}
	sess.state.Status = StatusInProgress
	sess.mu.Lock()
	if err := e.advanceHasherLocked(sess); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	sess.state.ReceivedChunks = sortedChunks(received)
	sess.mu.Unlock()

	e.mu.Lock()
	e.active[msg.TransferID] = sess
	e.mu.Unlock()

	missing := missingChunks(received, state.TotalChunks)
	var next uint32
	if len(missing) > 0 {
		next = missing[0]
	}
	var receivedBytes uint64
	for index := range received {
		if index == state.TotalChunks-1 {
			// The tail chunk may be short.
			receivedBytes += state.FileSize - uint64(state.ChunkSize)*uint64(state.TotalChunks-1)
		} else {
			receivedBytes += uint64(state.ChunkSize)
		}
	}

	e.log.Info().Str("transfer_id", msg.TransferID).
		Int("received", len(received)).Int("missing", len(missing)).Msg("Transfer resumed")
	return &ResumeInfo{
		Type:           TypeResumeInfo,
		TransferID:     msg.TransferID,
		Resumable:      len(missing) > 0,
		ReceivedChunks: sortedChunks(received),
		MissingChunks:  missing,
		NextChunkIndex: next,
		ReceivedBytes:  receivedBytes,
	}, nil
}

// HandleAbort drops a transfer and marks its metadata failed.
func (e *Engine) HandleAbort(msg *TransferAbort) {
	e.mu.Lock()
	sess := e.active[msg.TransferID]
	delete(e.active, msg.TransferID)
	e.mu.Unlock()
	e.log.Warn().Str("transfer_id", msg.TransferID).Str("reason", msg.Reason).Msg("Transfer aborted")
	if sess != nil {
		sess.mu.Lock()
		sess.state.Status = StatusFailed
		snapshot := sess.state
		sess.mu.Unlock()
		_ = e.saveState(snapshot)
	}
}

// CleanupExpired cancels transfers idle past the configured timeout and
// removes their working directories.
func (e *Engine) CleanupExpired() int {
	now := time.Now()
	var expired []string
	e.mu.Lock()
	for id, sess := range e.active {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()
		if idle > e.cfg.IdleTimeout {
			delete(e.active, id)
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()
	for _, id := range expired {
		e.log.Info().Str("transfer_id", id).Msg("Cleaning up expired transfer")
		_ = os.RemoveAll(e.transferDir(id))
	}
	return len(expired)
}

func (e *Engine) get(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return sess, nil
}

func (e *Engine) assemble(sess *session) (string, error) {
	finalPath := filepath.Join(e.cfg.DestDir, filepath.Base(sess.state.FileName))
	tmpPath := finalPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	for index := uint32(0); index < sess.state.TotalChunks; index++ {
		data, err := os.ReadFile(e.chunkPath(sess.state.TransferID, index))
		if err != nil {
			out.Close()
			return "", fmt.Errorf("read chunk %d: %w", index, err)
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			return "", fmt.Errorf("write output: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}
	return finalPath, nil
}

func (e *Engine) transferDir(id string) string {
	return filepath.Join(e.cfg.Root, filepath.Base(id))
}

func (e *Engine) chunkDir(id string) string {
	return filepath.Join(e.transferDir(id), "chunks")
}

func (e *Engine) chunkPath(id string, index uint32) string {
	return filepath.Join(e.chunkDir(id), strconv.FormatUint(uint64(index), 10))
}

func (e *Engine) metadataPath(id string) string {
	return filepath.Join(e.transferDir(id), "metadata.json")
}

func (e *Engine) saveState(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(e.metadataPath(state.TransferID), data)
}

func (e *Engine) loadMetadata(id string) (*State, error) {
	data, err := os.ReadFile(e.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
		}
		return nil, err
	}
	var state State
	// Tolerant parse: a metadata file from an interrupted write beats
	// losing the whole resume.
	if err := json5.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: corrupt metadata for %s", ErrTransferNotFound, id)
	}
	return &state, nil
}

func (e *Engine) scanChunks(id string) (map[uint32]bool, error) {
	entries, err := os.ReadDir(e.chunkDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint32]bool{}, nil
		}
		return nil, err
	}
	received := make(map[uint32]bool, len(entries))
	for _, entry := range entries {
		index, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		received[uint32(index)] = true
	}
	return received, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func sortedChunks(received map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(received))
	for index := range received {
		out = append(out, index)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func missingChunks(received map[uint32]bool, total uint32) []uint32 {
	var missing []uint32
	for index := uint32(0); index < total; index++ {
		if !received[index] {
			missing = append(missing, index)
		}
	}
	return missing
}
