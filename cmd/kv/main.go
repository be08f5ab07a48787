// Command kv is the CLI shell: it exposes `server`, `kv put`, `kv get` and
// `validate connection`, binding the plugin client/server runtimes and the
// conformance harness's compatibility table.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/kvconform/kvplugin"
	"github.com/kvconform/kvplugin/harness"
	"github.com/kvconform/kvplugin/kv"
	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

// Exit codes are part of the interface and must stay stable.
const (
	exitSuccess           = 0
	exitGeneral           = 1
	exitNotFound          = 2
	exitHandshakeFailure  = 3
	exitCurveIncompatible = 4
	exitCookieOrMisuse    = 5
)

var (
	logLevel string
	logger   hclog.Logger
)

var handshakeConfig = kvplugin.HandshakeConfig{
	CookieKey:   "BASIC_PLUGIN",
	CookieValue: "hello",
}

var rootCmd = &cobra.Command{
	Use:           "kv",
	Short:         "KV plugin client/server CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:  "kv",
			Level: hclog.LevelFromString(logLevel),
		})
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "trace, debug, info, warn, error")

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		var codeErr exitCodeError
		if !errors.As(err, &codeErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCodeFor(err))
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exitCodeFor maps a returned error to one of the stable CLI exit codes.
func exitCodeFor(err error) int {
	var codeErr exitCodeError
	switch {
	case errors.As(err, &codeErr):
		return codeErr.code
	case errors.Is(err, kv.ErrNotFound):
		return exitNotFound
	case errors.Is(err, kvplugin.ErrHandshakeTimeout), errors.Is(err, kvplugin.ErrHandshakeMalformed), errors.Is(err, kvplugin.ErrProtocolUnsupported):
		return exitHandshakeFailure
	case errors.Is(err, kvplugin.ErrCurveIncompatible):
		return exitCurveIncompatible
	case errors.Is(err, kvplugin.NotChildProcessError):
		return exitCookieOrMisuse
	default:
		return exitGeneral
	}
}

// ---- server ----

func newServerCmd() *cobra.Command {
	var (
		standalone bool
		port       int
		tlsMode    string
		tlsKeyType string
		tlsCurve   string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start a KV RPC server (plugin mode by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if standalone {
				return runStandaloneServer(port, tlsMode, tlsKeyType, tlsCurve)
			}
			return runPluginServer()
		},
	}

	cmd.Flags().BoolVar(&standalone, "standalone", false, "listen on a fixed TCP port instead of the plugin handshake protocol")
	cmd.Flags().IntVar(&port, "port", 50051, "port to listen on (standalone mode only)")
	cmd.Flags().StringVar(&tlsMode, "tls-mode", "disabled", "disabled, auto, manual (standalone mode only)")
	cmd.Flags().StringVar(&tlsKeyType, "tls-key-type", "ec", "ec or rsa (standalone mode only)")
	cmd.Flags().StringVar(&tlsCurve, "tls-curve", "auto", "P-256, P-384, P-521, or auto (standalone mode only)")
	return cmd
}

type protocolVersion1Server struct{ logger hclog.Logger }

func (p protocolVersion1Server) RegisterServer(server *grpc.Server) error {
	storage, err := kv.NewStorage(kv.StorageDir(), p.logger)
	if err != nil {
		return err
	}
	kvproto.RegisterKVServer(server, kv.NewService(storage, p.logger))
	return nil
}

func runPluginServer() error {
	err := kvplugin.Serve(context.Background(), &kvplugin.ServerConfig{
		Handshake: handshakeConfig,
		ProtoVersions: map[int]kvplugin.ServerVersion{
			1: protocolVersion1Server{logger: logger},
		},
	})
	if err != nil && errors.Is(err, kvplugin.NotChildProcessError) {
		fmt.Fprintln(os.Stderr, "Magic cookie mismatch: kv server must be launched by a kvplugin client")
	}
	return err
}

// runStandaloneServer listens on a fixed port without the handshake dance,
// for manual cross-language testing against a fixed address.
func runStandaloneServer(port int, tlsMode, tlsKeyType, tlsCurve string) error {
	storage, err := kv.NewStorage(kv.StorageDir(), logger)
	if err != nil {
		return err
	}
	service := kv.NewService(storage, logger)

	var opts []grpc.ServerOption
	if tlsMode != "disabled" {
		tlsConfig, err := standaloneTLSConfig(tlsMode, tlsKeyType, tlsCurve)
		if err != nil {
			return err
		}
		if tlsConfig != nil {
			opts = append(opts, grpc.Creds(grpcCredsFromTLS(tlsConfig)))
		}
	}

	server := grpc.NewServer(opts...)
	kvproto.RegisterKVServer(server, service)

	listener, err := listenTCP(port)
	if err != nil {
		return err
	}
	logger.Info("standalone server listening", "address", listener.Addr().String(), "tls_mode", tlsMode)
	return server.Serve(listener)
}

// ---- put / get ----

func newPutCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Put a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			client, closeFn, err := dial(ctx, address)
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := client.Put(ctx, &kvproto.PutRequest{Key: args[0], Value: []byte(args[1])}); err != nil {
				return err
			}
			fmt.Printf("Key %q put successfully.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "reattach to an existing server handshake line or host:port instead of spawning one")
	return cmd
}

func newGetCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			client, closeFn, err := dial(ctx, address)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := client.Get(ctx, &kvproto.GetRequest{Key: args[0]})
			if err != nil {
				return mapGetError(args[0], err)
			}
			fmt.Printf("%s\n", resp.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "reattach to an existing server handshake line or host:port instead of spawning one")
	return cmd
}

// ---- validate connection ----

func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validation operations",
	}

	var client, server, curve string
	connCmd := &cobra.Command{
		Use:   "connection",
		Short: "Static compatibility check plus a live connectivity probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cell := harness.Cell{
				Client: harness.Binary{Name: client},
				Server: harness.Binary{Name: server},
				Curve:  curve,
			}
			if !harness.Compatible(cell) {
				fmt.Printf("FAIL: %s/%s on curve %s is a documented incompatibility\n", client, server, curve)
				return errExitCode(exitCurveIncompatible)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			kvClient, closeFn, err := dial(ctx, "")
			if err != nil {
				fmt.Printf("FAIL: %s\n", err)
				return err
			}
			defer closeFn()

			_, err = kvClient.Get(ctx, &kvproto.GetRequest{Key: "__connection_test_key__"})
			if err != nil && !errors.Is(mapGetError("__connection_test_key__", err), kv.ErrNotFound) {
				fmt.Printf("FAIL: %s\n", err)
				return err
			}

			fmt.Println("PASS: connection validated successfully.")
			return nil
		},
	}
	connCmd.Flags().StringVar(&client, "client", "go", "client implementation identity")
	connCmd.Flags().StringVar(&server, "server", "go", "server implementation identity for the compatibility check (the probed binary is PLUGIN_SERVER_PATH, default kv-server; a path given here is not spawned)")
	connCmd.Flags().StringVar(&curve, "curve", "auto", "curve to validate")

	validateCmd.AddCommand(connCmd)
	return validateCmd
}

type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func errExitCode(code int) error { return exitCodeError{code: code} }

// ---- shared client plumbing ----

func dial(ctx context.Context, address string) (kvproto.KVClient, func(), error) {
	if address != "" {
		return dialReattach(ctx, address)
	}
	return spawn(ctx)
}

func spawn(ctx context.Context) (kvproto.KVClient, func(), error) {
	serverPath := envOrDefault("PLUGIN_SERVER_PATH", "kv-server")
	cmdPath, err := exec.LookPath(serverPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot find %q on PATH (set PLUGIN_SERVER_PATH): %w", serverPath, err)
	}

	plugin, err := kvplugin.New(ctx, &kvplugin.ClientConfig{
		Handshake: handshakeConfig,
		ProtoVersions: map[int]kvplugin.ClientVersion{
			1: kvplugin.ClientVersionFunc(func(ctx context.Context, conn *grpc.ClientConn) (interface{}, error) {
				return kvproto.NewKVClient(conn), nil
			}),
		},
		Cmd:    exec.Command(cmdPath),
		Stderr: os.Stderr,
	})
	if err != nil {
		return nil, nil, err
	}

	_, raw, err := plugin.Client(ctx)
	if err != nil {
		plugin.Close()
		return nil, nil, err
	}
	return raw.(kvproto.KVClient), func() { plugin.Close() }, nil
}

// dialReattach connects to an already-running server without spawning a
// child process: address is either a bare host:port (plaintext) or a full
// handshake line carrying the server's certificate.
func dialReattach(ctx context.Context, address string) (kvproto.KVClient, func(), error) {
	info, err := kvplugin.ParseHandshakeLine(address)
	network, addr := "tcp", address
	var certDER []byte
	if err == nil {
		network, addr, certDER = info.Network, info.Address, info.ServerCert
	}

	dialOpts, err := reattachDialOptions(network, certDER)
	if err != nil {
		return nil, nil, err
	}

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return kvproto.NewKVClient(conn), func() { conn.Close() }, nil
}

func mapGetError(key string, err error) error {
	if grpcIsNotFound(err) {
		return fmt.Errorf("%w: %s", kv.ErrNotFound, key)
	}
	return err
}
