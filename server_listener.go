package kvplugin

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/apparentlymart/go-ctxenv/ctxenv"
	"github.com/hashicorp/go-hclog"

	"github.com/kvconform/kvplugin/plugintrace"
)

// serverTLSConfig implements the server's TLS setup state,
// branching on TLS_MODE/TLS_CURVE/TLS_KEY_TYPE.
func serverTLSConfig(ctx context.Context, logger hclog.Logger, fn func() (*tls.Config, error)) (*tls.Config, tls.Certificate, error) {
	tracer := plugintrace.ContextServerTracer(ctx)
	if fn != nil {
		tlsConfig, err := fn()
		if err == errForceNoTLS {
			return nil, tls.Certificate{}, nil
		}
		if err == nil && tlsConfig == nil {
			return nil, tls.Certificate{}, fmt.Errorf("TLS configuration function returned no TLS configuration")
		}
		if tracer.TLSConfig != nil {
			tracer.TLSConfig(tlsConfig, false)
		}
		return tlsConfig, tls.Certificate{}, err
	}

	mode := envOrDefault(ctx, "TLS_MODE", "auto")
	if mode == "disabled" {
		return nil, tls.Certificate{}, nil
	}

	if mode == "manual" {
		cert, key := ctxenv.Getenv(ctx, "PLUGIN_SERVER_CERT"), ctxenv.Getenv(ctx, "PLUGIN_SERVER_KEY")
		if cert != "" && key != "" {
			if serverCert, err := tls.LoadX509KeyPair(cert, key); err == nil {
				return &tls.Config{Certificates: []tls.Certificate{serverCert}, MinVersion: tls.VersionTLS12}, serverCert, nil
			}
		}
		// Manual mode has no externally supplied material here: fall back to AutoMTLS
		// with a warning rather than requiring full file-based cert loading.
		logger.Warn("TLS_MODE=manual without usable cert/key files, falling back to AutoMTLS")
	}

	keyType := strings.ToLower(envOrDefault(ctx, "TLS_KEY_TYPE", "ec"))
	curveSetting := Curve(envOrDefault(ctx, "TLS_CURVE", "auto"))

	var serverCert tls.Certificate
	var err error
	switch {
	case keyType == "rsa":
		if curveSetting != CurveAuto {
			logger.Warn("TLS_CURVE is ignored when TLS_KEY_TYPE=rsa", "curve", curveSetting)
		}
		serverCert, err = GenerateRSACertificate(2048)
	case curveSetting == CurveAuto:
		// auto/auto: the framework's built-in AutoMTLS default.
		serverCert, err = GenerateCertificate(CurveP521, "kvplugin.rpc.server")
	default:
		serverCert, err = GenerateCertificate(curveSetting, "kvplugin.rpc.server")
	}
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("cannot create temporary server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCert := ctxenv.Getenv(ctx, "PLUGIN_CLIENT_CERT"); clientCert != "" {
		clientCertPool := x509.NewCertPool()
		if !clientCertPool.AppendCertsFromPEM([]byte(clientCert)) {
			return nil, tls.Certificate{}, fmt.Errorf("PLUGIN_CLIENT_CERT has invalid PEM certificate chain")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = clientCertPool
	}

	return tlsConfig, serverCert, nil
}

func envOrDefault(ctx context.Context, key, def string) string {
	if v := ctxenv.Getenv(ctx, key); v != "" {
		return v
	}
	return def
}

func serverListen(ctx context.Context) (net.Listener, error) {
	transports := ctxenv.Getenv(ctx, "PLUGIN_TRANSPORTS")
	if transports == "" {
		transports = "unix,tcp"
	}

	for _, transport := range strings.Split(transports, ",") {
		switch transport {
		case "unix":
			l, err := serverListenUnix(ctx)
			if err == nil {
				return l, nil
			}
		case "tcp":
			l, err := serverListenTCP(ctx)
			if err == nil {
				return l, nil
			}
		}
	}

	// If we fall out here then we have no suitable transports in common
	// with the client, so we fail.
	return nil, fmt.Errorf("unable to negotiate a transport protocol")
}

func serverListenUnix(ctx context.Context) (net.Listener, error) {
	baseDir := ""
	if runtimeDir := ctxenv.Getenv(ctx, "XDG_RUNTIME_DIR"); runtimeDir != "" && filepath.IsAbs(runtimeDir) {
		// If XDG_RUNTIME_DIR is available then we'll prefer it, because its
		// permissions tend to be more suitable (per the contract for this
		// environment variable) and it'll get cleaned up on reboot if anything
		// goes wrong that prevents us from cleaning it ourselves.
		baseDir = runtimeDir
	}

	socketDir, err := ioutil.TempDir(baseDir, "kvplugin")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory for plugin server socket: %s", err)
	}

	socketPath := filepath.Join(socketDir, "server.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("failed to open listener at %s: %s", socketPath, err)
	}

	// wrap for cleanup on close
	return &rmListener{
		Listener: l,
		Path:     socketDir,
	}, nil
}

func serverListenTCP(ctx context.Context) (net.Listener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open listener on 127.0.0.1: %s", err)
	}
	return l, nil
}

// rmListener is an implementation of net.Listener that forwards most
// calls to the listener but also removes a file or directory as part of
// closing. This allows us to clean up our temporary directory containing a
// UNIX socket.
type rmListener struct {
	net.Listener
	Path string
}

func (l *rmListener) Close() error {
	if err := l.Listener.Close(); err != nil {
		return err
	}

	return os.RemoveAll(l.Path)
}
