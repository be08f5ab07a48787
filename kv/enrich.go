package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc/peer"
)

// HandshakeEnricher injects a "server_handshake" field into JSON-object
// values at Put time, recording the metadata an interoperability test needs
// to prove the request actually reached this server.
//
// Enrichment is never allowed to fail the call: any marshal error reverts to
// storing the original bytes and logs a warning.
type HandshakeEnricher struct {
	Logger    hclog.Logger
	StartTime time.Time
}

// NewHandshakeEnricher constructs an enricher whose received_at timestamps
// are measured from startTime (normally the server process's start time).
func NewHandshakeEnricher(logger hclog.Logger, startTime time.Time) *HandshakeEnricher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HandshakeEnricher{Logger: logger.Named("enrich"), StartTime: startTime}
}

// Enrich returns value unchanged unless it decodes as a JSON object, in
// which case it returns a re-encoded copy with a "server_handshake" field
// added.
func (e *HandshakeEnricher) Enrich(ctx context.Context, value []byte) []byte {
	var obj map[string]interface{}
	if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
		// Not JSON, or not a JSON object (e.g. an array, scalar or null) -
		// store verbatim.
		return value
	}

	obj["server_handshake"] = e.handshakeRecord(ctx)

	enriched, err := json.Marshal(obj)
	if err != nil {
		e.Logger.Warn("failed to marshal enriched value, storing original bytes", "error", err)
		return value
	}
	return enriched
}

func (e *HandshakeEnricher) handshakeRecord(ctx context.Context) map[string]interface{} {
	endpoint := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		endpoint = p.Addr.String()
	}

	record := map[string]interface{}{
		"endpoint":         endpoint,
		"protocol_version": getEnvOrDefault("PLUGIN_PROTOCOL_VERSIONS", "1"),
		"tls_mode":         getEnvOrDefault("TLS_MODE", "disabled"),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"received_at":      time.Since(e.StartTime).Seconds(),
	}

	if curve := os.Getenv("TLS_CURVE"); curve != "" && curve != "auto" {
		record["tls_config"] = map[string]interface{}{
			"curve": curve,
		}
	} else if keyType := os.Getenv("TLS_KEY_TYPE"); keyType != "" {
		record["tls_config"] = map[string]interface{}{
			"key_type": keyType,
		}
	}

	if fingerprint, ok := serverCertFingerprint(); ok {
		record["cert_fingerprint"] = fingerprint
	}

	return record
}

// serverCertFingerprint computes the sha256 fingerprint of the certificate
// named by PLUGIN_SERVER_CERT, if that environment variable points at a
// readable file.
func serverCertFingerprint() (string, bool) {
	path := os.Getenv("PLUGIN_SERVER_CERT")
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
