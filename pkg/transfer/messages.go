package transfer

import (
	"encoding/json"
	"fmt"
)

// Wire message types. Every message carries a "type" discriminator; chunk
// payload bytes follow a ChunkData header outside the JSON.
const (
	TypeTransferStart    = "transfer_start"
	TypeTransferAck      = "transfer_ack"
	TypeChunkData        = "chunk_data"
	TypeChunkAck         = "chunk_ack"
	TypeTransferComplete = "transfer_complete"
	TypeTransferSuccess  = "transfer_success"
	TypeResumeRequest    = "resume_request"
	TypeResumeInfo       = "resume_info"
	TypeTransferAbort    = "transfer_abort"
	TypeError            = "error"
)

type TransferStart struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"file_name"`
	FileSize    uint64 `json:"file_size"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks uint32 `json:"total_chunks"`
	FileHash    string `json:"file_hash"`
}

type TransferAck struct {
	Type            string `json:"type"`
	TransferID      string `json:"transfer_id"`
	Accepted        bool   `json:"accepted"`
	ResumeSupported bool   `json:"resume_supported"`
	MaxChunkSize    int    `json:"max_chunk_size"`
}

type ChunkData struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex uint32 `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkHash  string `json:"chunk_hash"`
}

type ChunkAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex uint32 `json:"chunk_index"`
	Received   bool   `json:"received"`
	HashValid  bool   `json:"hash_valid"`
}

type TransferComplete struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	TotalChunks uint32 `json:"total_chunks"`
	TotalBytes  uint64 `json:"total_bytes"`
	FinalHash   string `json:"final_hash"`
}

type TransferSuccess struct {
	Type         string `json:"type"`
	TransferID   string `json:"transfer_id"`
	Verified     bool   `json:"verified"`
	SavedPath    string `json:"saved_path"`
	ComputedHash string `json:"computed_hash"`
}

type ResumeRequest struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileSize   uint64 `json:"file_size"`
	FileHash   string `json:"file_hash"`
}

type ResumeInfo struct {
	Type           string   `json:"type"`
	TransferID     string   `json:"transfer_id"`
	Resumable      bool     `json:"resumable"`
	ReceivedChunks []uint32 `json:"received_chunks"`
	MissingChunks  []uint32 `json:"missing_chunks"`
	NextChunkIndex uint32   `json:"next_chunk_index"`
	ReceivedBytes  uint64   `json:"received_bytes"`
}

type TransferAbort struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}

type ErrorMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id,omitempty"`
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
}

// DecodeMessage parses a JSON wire message into its concrete type.
func DecodeMessage(data []byte) (any, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parse message header: %w", err)
	}
	var msg any
	switch header.Type {
	case TypeTransferStart:
		msg = &TransferStart{}
	case TypeTransferAck:
		msg = &TransferAck{}
	case TypeChunkData:
		msg = &ChunkData{}
	case TypeChunkAck:
		msg = &ChunkAck{}
	case TypeTransferComplete:
		msg = &TransferComplete{}
	case TypeTransferSuccess:
		msg = &TransferSuccess{}
	case TypeResumeRequest:
		msg = &ResumeRequest{}
	case TypeResumeInfo:
		msg = &ResumeInfo{}
	case TypeTransferAbort:
		msg = &TransferAbort{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", header.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", header.Type, err)
	}
	return msg, nil
}
