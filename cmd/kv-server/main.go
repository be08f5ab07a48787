// Command kv-server is the plugin-mode server binary: it is never meant to
// be run directly by a user, only spawned as a child process by a kvplugin
// client (see cmd/kv), which supplies the magic cookie and mTLS environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"

	"github.com/kvconform/kvplugin"
	"github.com/kvconform/kvplugin/kv"
	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

var handshake = kvplugin.HandshakeConfig{
	CookieKey:   envOrDefault("PLUGIN_MAGIC_COOKIE_KEY", "BASIC_PLUGIN"),
	CookieValue: "hello",
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type protocolVersion1 struct {
	logger hclog.Logger
}

var _ kvplugin.ServerVersion = protocolVersion1{}

func (p protocolVersion1) RegisterServer(server *grpc.Server) error {
	storageDir := envOrDefault("KV_STORAGE_DIR", kv.StorageDir())
	storage, err := kv.NewStorage(storageDir, p.logger)
	if err != nil {
		return err
	}
	kvproto.RegisterKVServer(server, kv.NewService(storage, p.logger))
	return nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "kv-server",
		Level: hclog.LevelFromString(envOrDefault("LOG_LEVEL", "info")),
	})

	err := kvplugin.Serve(context.Background(), &kvplugin.ServerConfig{
		Handshake: handshake,
		ProtoVersions: map[int]kvplugin.ServerVersion{
			1: protocolVersion1{logger: logger},
		},
	})
	if err != nil {
		if errors.Is(err, kvplugin.NotChildProcessError) {
			fmt.Fprintln(os.Stderr, "Magic cookie mismatch: this binary must be launched by a kvplugin client")
			os.Exit(5)
		}
		fmt.Fprintf(os.Stderr, "kv-server: %s\n", err)
		os.Exit(1)
	}
}
