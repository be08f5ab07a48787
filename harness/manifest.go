package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Status is the lifecycle state of a Manifest.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Manifest is the proof manifest written for each matrix cell:
// a durable, self-contained record of what was attempted and what the
// server actually wrote to disk.
type Manifest struct {
	TestName        string                 `json:"test_name"`
	ClientType      string                 `json:"client_type"`
	ServerType      string                 `json:"server_type"`
	TLSMode         string                 `json:"tls_mode"`
	CryptoType      string                 `json:"crypto_type"`
	KeysWritten     []string               `json:"keys_written"`
	UserData        map[string]interface{} `json:"user_data,omitempty"`
	Status          Status                 `json:"status"`
	Timestamp       string                 `json:"timestamp"`
	ServerHandshake map[string]interface{} `json:"server_handshake,omitempty"`
	ClientHandshake map[string]interface{} `json:"client_handshake,omitempty"`
	KVStorageFiles  []string               `json:"kv_storage_files,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// NewManifest builds a pending manifest for cell, identified by key.
func NewManifest(cell Cell, key string, timestamp string) *Manifest {
	crypto := cell.KeyType
	if cell.KeyType == "ec" && cell.Curve != "" {
		crypto = cell.Curve
	}
	return &Manifest{
		TestName:    cell.TestName(),
		ClientType:  cell.Client.Name,
		ServerType:  cell.Server.Name,
		TLSMode:     cell.TLSMode,
		CryptoType:  crypto,
		KeysWritten: []string{key},
		Status:      StatusPending,
		Timestamp:   timestamp,
	}
}

// Write serializes m as JSON to <proofDir>/<test_name>_<unixTimestamp>.json,
// the proof manifest layout. The file is written atomically via a
// temp-file-then-rename so a reader never observes a partial manifest.
func (m *Manifest) Write(proofDir string, unixTimestamp int64) (string, error) {
	if err := os.MkdirAll(proofDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create proof directory %s: %w", proofDir, err)
	}

	name := fmt.Sprintf("%s_%d.json", m.TestName, unixTimestamp)
	path := filepath.Join(proofDir, name)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write proof manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize proof manifest: %w", err)
	}

	return path, nil
}
