package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewManifestPopulatesFromCell(t *testing.T) {
	cell := Cell{
		Client:  Binary{Name: "go"},
		Server:  Binary{Name: "go"},
		TLSMode: "auto",
		Curve:   "P-384",
		KeyType: "ec",
	}

	m := NewManifest(cell, "somekey", "2026-07-30T00:00:00Z")

	if m.TestName != cell.TestName() {
		t.Errorf("TestName = %q, want %q", m.TestName, cell.TestName())
	}
	if m.CryptoType != "P-384" {
		t.Errorf("CryptoType = %q, want P-384", m.CryptoType)
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
	if len(m.KeysWritten) != 1 || m.KeysWritten[0] != "somekey" {
		t.Errorf("KeysWritten = %v, want [somekey]", m.KeysWritten)
	}
}

func TestManifestWriteIsReadableJSON(t *testing.T) {
	cell := Cell{Client: Binary{Name: "go"}, Server: Binary{Name: "go"}, TLSMode: "disabled", KeyType: "rsa"}
	m := NewManifest(cell, "k", "2026-07-30T00:00:00Z")
	m.Status = StatusSuccess

	dir := t.TempDir()
	path, err := m.Write(dir, 1753833600)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	wantPath := filepath.Join(dir, m.TestName+"_1753833600.json")
	if path != wantPath {
		t.Errorf("Write returned path %q, want %q", path, wantPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var readBack Manifest
	if err := json.Unmarshal(data, &readBack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if readBack.TestName != m.TestName || readBack.Status != StatusSuccess {
		t.Errorf("readBack = %+v, want TestName=%q Status=success", readBack, m.TestName)
	}
}

func TestManifestWriteLeavesNoTempFileBehind(t *testing.T) {
	cell := Cell{Client: Binary{Name: "go"}, Server: Binary{Name: "go"}, TLSMode: "disabled", KeyType: "rsa"}
	m := NewManifest(cell, "k", "2026-07-30T00:00:00Z")

	dir := t.TempDir()
	if _, err := m.Write(dir, 42); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("found leftover temp file %s", entry.Name())
		}
	}
}
