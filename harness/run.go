package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"

	"github.com/kvconform/kvplugin"
	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

// Runner executes matrix cells against a proof directory and a per-cell
// storage directory root. DefaultCmd, when set, builds the server command
// for every cell from the cell's Server.Path (which may be empty); when it
// is nil, Server.Path is executed directly and must be non-empty.
type Runner struct {
	ProofDir    string
	StorageRoot string
	Logger      hclog.Logger
	DefaultCmd  func(path string) *exec.Cmd
}

// Run executes a single matrix cell end to end: spawn the server binary,
// Put a generated key/value, Get it back, and write a proof manifest
// reflecting the outcome.
func (r *Runner) Run(ctx context.Context, cell Cell) (*Manifest, error) {
	key := fmt.Sprintf("%s_%s", cell.TestName(), shortUUID())

	userData := map[string]interface{}{
		"test": cell.CryptoLabel(),
		"user_data": map[string]interface{}{
			"client": cell.Client.Name,
			"server": cell.Server.Name,
		},
	}
	valueBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode matrix cell payload: %w", err)
	}

	manifest := NewManifest(cell, key, time.Now().UTC().Format(time.RFC3339))
	manifest.UserData = userData

	storageDir := filepath.Join(r.StorageRoot, cell.TestName())
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return r.fail(manifest, fmt.Errorf("failed to create cell storage directory: %w", err))
	}

	serverPath := cell.Server.Path
	if serverPath == "" && r.DefaultCmd == nil {
		return r.fail(manifest, fmt.Errorf("cell %s has no server binary path and no default command factory", cell.TestName()))
	}

	var cmd *exec.Cmd
	if r.DefaultCmd != nil {
		cmd = r.DefaultCmd(serverPath)
	} else {
		cmd = exec.Command(serverPath)
	}
	cmd.Env = append(os.Environ(),
		"KV_STORAGE_DIR="+storageDir,
		"TLS_MODE="+cell.TLSMode,
		"TLS_KEY_TYPE="+cell.KeyType,
	)
	if cell.Curve != "" {
		cmd.Env = append(cmd.Env, "TLS_CURVE="+cell.Curve)
	}

	plugin, err := kvplugin.New(ctx, &kvplugin.ClientConfig{
		Handshake: kvplugin.HandshakeConfig{
			CookieKey:   "BASIC_PLUGIN",
			CookieValue: "hello",
		},
		ProtoVersions: map[int]kvplugin.ClientVersion{
			1: kvplugin.ClientVersionFunc(func(ctx context.Context, conn *grpc.ClientConn) (interface{}, error) {
				return kvproto.NewKVClient(conn), nil
			}),
		},
		Cmd: cmd,
	})
	if err != nil {
		return r.fail(manifest, fmt.Errorf("failed to start plugin: %w", err))
	}
	defer plugin.Close()

	_, rawClient, err := plugin.Client(ctx)
	if err != nil {
		return r.fail(manifest, fmt.Errorf("failed to dial plugin: %w", err))
	}
	client := rawClient.(kvproto.KVClient)

	start := time.Now()
	if _, err := client.Put(ctx, &kvproto.PutRequest{Key: key, Value: valueBytes}); err != nil {
		return r.fail(manifest, fmt.Errorf("put failed: %w", err))
	}

	resp, err := client.Get(ctx, &kvproto.GetRequest{Key: key})
	if err != nil {
		return r.fail(manifest, fmt.Errorf("get failed: %w", err))
	}
	elapsed := time.Since(start)

	var decoded map[string]interface{}
	if err := json.Unmarshal(resp.Value, &decoded); err != nil {
		return r.fail(manifest, fmt.Errorf("returned value is not valid JSON: %w", err))
	}
	handshakeRaw, ok := decoded["server_handshake"]
	if !ok {
		return r.fail(manifest, fmt.Errorf("round-tripped value is missing server_handshake"))
	}
	handshake, _ := handshakeRaw.(map[string]interface{})
	delete(decoded, "server_handshake")

	if !equivalentUserData(decoded, userData) {
		return r.fail(manifest, fmt.Errorf("round-tripped payload does not match what was sent"))
	}

	manifest.ServerHandshake = handshake
	manifest.KVStorageFiles = []string{filepath.Join(storageDir, "kv-data-"+key)}
	manifest.Status = StatusSuccess
	manifest.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if r.Logger != nil {
		r.Logger.Info("matrix cell passed", "cell", cell.TestName(), "elapsed", elapsed)
	}

	if _, err := manifest.Write(r.ProofDir, time.Now().Unix()); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (r *Runner) fail(manifest *Manifest, cause error) (*Manifest, error) {
	manifest.Status = StatusFailure
	manifest.Error = cause.Error()
	manifest.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if r.Logger != nil {
		r.Logger.Error("matrix cell failed", "cell", manifest.TestName, "error", cause)
	}
	if _, writeErr := manifest.Write(r.ProofDir, time.Now().Unix()); writeErr != nil {
		return nil, fmt.Errorf("%s (also failed to write manifest: %s)", cause, writeErr)
	}
	return manifest, cause
}

// shortUUID returns an 8-character slice of a fresh UUID, used to keep
// matrix test keys unique without making them unreadably long.
func shortUUID() string {
	return uuid.NewString()[:8]
}

// equivalentUserData compares two decoded JSON objects for equality modulo
// key ordering (maps compare structurally already) — the enrichment field
// has already been stripped from got by the caller.
func equivalentUserData(got, want map[string]interface{}) bool {
	gotJSON, err1 := json.Marshal(got)
	wantJSON, err2 := json.Marshal(want)
	if err1 != nil || err2 != nil {
		return false
	}
	var gotNorm, wantNorm interface{}
	json.Unmarshal(gotJSON, &gotNorm)
	json.Unmarshal(wantJSON, &wantNorm)
	gn, _ := json.Marshal(gotNorm)
	wn, _ := json.Marshal(wantNorm)
	return string(gn) == string(wn)
}

// CryptoLabel renders a human-readable identifier for the cell's crypto
// configuration, used in generated test values.
func (c Cell) CryptoLabel() string {
	if c.KeyType == "rsa" {
		return "rsa"
	}
	if c.Curve == "" {
		return "auto"
	}
	return c.Curve
}
