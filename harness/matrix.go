// Package harness implements the conformance matrix: it drives a client
// implementation against a server implementation across TLS modes, curves
// and key types, and writes a durable proof manifest per cell.
package harness

import (
	"fmt"
)

// Binary identifies one participant implementation in the matrix: a path to
// an executable and a human-readable name used in test identities and
// manifests (e.g. "go", "python").
type Binary struct {
	Name string
	Path string
}

// Cell is one combination of client, server, TLS mode, curve and key type
// to be exercised.
type Cell struct {
	Client  Binary
	Server  Binary
	TLSMode string // "disabled", "auto", "manual"
	Curve   string // "P-256", "P-384", "P-521", "" for RSA
	KeyType string // "ec", "rsa"
}

// TestName renders the cell's test identity used both for the manifest
// file name and the KV key prefix: "<client>_<server>_<tls>_<crypto>".
func (c Cell) TestName() string {
	crypto := c.KeyType
	if c.KeyType == "ec" && c.Curve != "" {
		crypto = c.Curve
	}
	return fmt.Sprintf("%s_%s_%s_%s", c.Client.Name, c.Server.Name, c.TLSMode, crypto)
}

// incompatibility lists a (curve, client_name) pair known not to work: some
// client runtimes cannot present an ECDSA certificate on P-521. Entries here
// are skipped by BuildMatrix rather than attempted and reported as failures.
type incompatibility struct {
	Curve      string
	ClientName string
}

// staticCompatibilityTable is the matrix's static skip list: known pairs
// that are documented-incompatible rather than attempted and reported as
// failures. It is intentionally small and explicit rather than derived,
// since the underlying constraint is a property of each client runtime's
// TLS library rather than of this codebase.
var staticCompatibilityTable = []incompatibility{
	{Curve: "P-521", ClientName: "legacy-ecdsa"},
}

// Compatible reports whether cell's client/curve combination is known-good.
func Compatible(cell Cell) bool {
	for _, in := range staticCompatibilityTable {
		if in.Curve == cell.Curve && in.ClientName == cell.Client.Name {
			return false
		}
	}
	return true
}

// BuildMatrix enumerates every combination of clients × servers × tlsModes ×
// curves × keyTypes, skipping incompatible cells per the static
// compatibility table. Passing a nil or empty curves slice is valid only
// when keyTypes is exclusively "rsa".
func BuildMatrix(clients, servers []Binary, tlsModes []string, curves []string, keyTypes []string) []Cell {
	var cells []Cell
	for _, client := range clients {
		for _, server := range servers {
			for _, tlsMode := range tlsModes {
				for _, keyType := range keyTypes {
					if keyType == "rsa" {
						cell := Cell{Client: client, Server: server, TLSMode: tlsMode, KeyType: keyType}
						if Compatible(cell) {
							cells = append(cells, cell)
						}
						continue
					}
					for _, curve := range curves {
						cell := Cell{Client: client, Server: server, TLSMode: tlsMode, Curve: curve, KeyType: keyType}
						if Compatible(cell) {
							cells = append(cells, cell)
						}
					}
				}
			}
		}
	}
	return cells
}
