package kvplugin

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apparentlymart/go-ctxenv/ctxenv"
	"google.golang.org/grpc"
	grpcCreds "google.golang.org/grpc/credentials"

	"github.com/kvconform/kvplugin/plugintrace"
)

// ClientConfig is used to configure the behavior of a plugin client.
type ClientConfig struct {
	// Handshake configures the handshake settings that must agree with those
	// configured in the server.
	Handshake HandshakeConfig

	// ProtoVersions gives a ClientVersion implementation for each major
	// protocol version. The keys are offered to the server in
	// PLUGIN_PROTOCOL_VERSIONS and the server selects the greatest version
	// number it has in common with the client. The handshake line does not
	// report that choice: the client uses the entry for protoVersion (1) if
	// present, otherwise an arbitrary entry of this map.
	ProtoVersions map[int]ClientVersion

	// Cmd is a not-yet-started exec.Cmd configured to launch a specific
	// plugin server executable. The given object must not be used by the
	// caller after it's been passed as part of a ClientConfig. If Cmd.Env
	// is set, it is kept as the child's base environment (with the
	// handshake variables added); otherwise the current environment is used.
	Cmd *exec.Cmd

	// TLSConfig is used to set an explicit TLS configuration on the RPC
	// client. If this is nil, the client and server negotiate temporary
	// mutual TLS automatically as part of the handshake.
	TLSConfig *tls.Config

	// TLSCurve selects the curve of the client's certificate. Defaults to
	// CurveAuto, meaning "match whatever the server advertised": the client
	// starts on P-256 and regenerates its certificate on the server's curve
	// once that is known. Any other value pins the client to that curve, and
	// New returns ErrCurveIncompatible if the server advertises a different
	// elliptic curve.
	TLSCurve Curve

	// StartTimeout bounds how long to wait for the plugin server to print
	// its handshake line. Defaults to 15s.
	StartTimeout time.Duration

	// ShutdownGrace bounds how long Close waits after SIGTERM before
	// escalating to SIGKILL. Defaults to 5s.
	ShutdownGrace time.Duration

	// Stderr, if non-nil, receives any data written by the child process to
	// its stderr stream.
	Stderr io.Writer
}

func (c *ClientConfig) setDefaults() {
	if c.StartTimeout == 0 {
		c.StartTimeout = 15 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.TLSCurve == "" {
		c.TLSCurve = CurveAuto
	}
	if c.Stderr == nil {
		c.Stderr = ioutil.Discard
	}
}

// ErrCurveIncompatible is returned by New when the server advertises an
// elliptic curve this client runtime cannot present a certificate for.
var ErrCurveIncompatible = fmt.Errorf("client cannot present a certificate compatible with server's curve")

// Plugin represents a currently-active plugin instance, with an associated
// child process running an RPC server.
type Plugin struct {
	protoVersion int
	cv           ClientVersion
	process      *os.Process
	addr         net.Addr
	tlsConfig    *tls.Config
	exit         <-chan struct{}
	tracer       *plugintrace.ClientTracer
	shutdownGrace time.Duration
}

// New launches a plugin server in a child process, performs the handshake
// and curve-matching bootstrap, and returns a Plugin ready to be dialed
// with Client.
//
// Once a ClientConfig has been passed to this function, the caller must no
// longer access or modify it. If this function returns without error, the
// caller must eventually call Close to terminate the child process.
func New(ctx context.Context, config *ClientConfig) (plugin *Plugin, err error) {
	config.setDefaults()

	if len(config.ProtoVersions) == 0 {
		return nil, fmt.Errorf("config field ProtoVersions must have at least one version")
	}
	if config.Handshake.CookieKey == "" || config.Handshake.CookieValue == "" {
		return nil, fmt.Errorf("config field Handshake must have non-empty CookieKey and CookieValue")
	}
	if config.Cmd == nil {
		return nil, fmt.Errorf("config field Cmd must not be nil")
	}

	var versionStrings []string
	for v := range config.ProtoVersions {
		versionStrings = append(versionStrings, strconv.Itoa(v))
	}

	environ := []string{
		fmt.Sprintf("%s=%s", config.Handshake.CookieKey, config.Handshake.CookieValue),
		fmt.Sprintf("PLUGIN_PROTOCOL_VERSIONS=%s", strings.Join(versionStrings, ",")),
		"PLUGIN_TRANSPORTS=unix,tcp",
	}

	tlsConfig := config.TLSConfig
	autoTLS := false
	var clientCert tls.Certificate
	bootstrapCurve := config.TLSCurve
	if bootstrapCurve == CurveAuto {
		// Generate a default-curve cert up front, since the server's curve
		// is only known once we've read its handshake line. P-256 is the
		// cheapest curve to regenerate from if the server turns out to want
		// something else.
		bootstrapCurve = CurveP256
	}
	if tlsConfig == nil {
		clientCert, err = GenerateCertificate(bootstrapCurve, "kvplugin.rpc.client")
		if err != nil {
			return nil, fmt.Errorf("failed to generate client TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			ServerName:   "localhost",
			MinVersion:   tls.VersionTLS12,
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientCert.Certificate[0]})
		environ = append(environ, fmt.Sprintf("PLUGIN_CLIENT_CERT=%s", certPEM))
		autoTLS = true
	}

	baseEnv := config.Cmd.Env
	if baseEnv == nil {
		baseEnv = ctxenv.Environ(ctx)
	}
	config.Cmd.Env = append(environ, baseEnv...)
	config.Cmd.Stdin = bytes.NewReader(nil)
	config.Cmd.Stderr = config.Stderr
	cmdStdout, err := config.Cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot create stdout pipe: %w", err)
	}

	tracer := plugintrace.ContextClientTracer(ctx)

	if tracer.ProcessStart != nil {
		tracer.ProcessStart(config.Cmd)
	}
	if err := config.Cmd.Start(); err != nil {
		if tracer.ProcessStartFailed != nil {
			tracer.ProcessStartFailed(config.Cmd, err)
		}
		return nil, fmt.Errorf("failed to start child process: %w", err)
	}
	if tracer.ProcessRunning != nil {
		tracer.ProcessRunning(config.Cmd.Process)
	}

	exitCh := make(chan struct{})
	ret := &Plugin{
		process:       config.Cmd.Process,
		exit:          exitCh,
		tracer:        tracer,
		tlsConfig:     tlsConfig,
		shutdownGrace: config.ShutdownGrace,
	}

	go func(exit chan<- struct{}) {
		state, _ := ret.process.Wait()
		if state != nil && tracer.ProcessExited != nil {
			tracer.ProcessExited(state)
		}
		close(exit)
	}(exitCh)

	defer func() {
		p := recover()
		if err != nil || p != nil {
			ret.process.Kill()
		}
		if p != nil {
			panic(p)
		}
	}()

	stdoutCh := make(chan string)
	go func(stdout io.ReadCloser) {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			stdoutCh <- sc.Text()
		}
		close(stdoutCh)
		stdout.Close()
	}(cmdStdout)

	timeout := time.After(config.StartTimeout)
	var line string
	select {
	case <-timeout:
		if tracer.ServerStartTimeout != nil {
			tracer.ServerStartTimeout(ret.process, config.StartTimeout)
		}
		return nil, ErrHandshakeTimeout
	case <-exitCh:
		// The process may have printed its line just before exiting, so
		// take a line that is already on its way before giving up.
		select {
		case l, ok := <-stdoutCh:
			if !ok {
				return nil, fmt.Errorf("plugin server process exited without completing handshake")
			}
			line = l
		case <-timeout:
			return nil, ErrHandshakeTimeout
		}
	case line = <-stdoutCh:
	}

	info, err := ParseHandshakeLine(line)
	if err != nil {
		return nil, err
	}

	switch info.Network {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", info.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid tcp address %q", ErrHandshakeMalformed, info.Address)
		}
		ret.addr = addr
	case "unix":
		addr, err := net.ResolveUnixAddr("unix", info.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid unix address %q", ErrHandshakeMalformed, info.Address)
		}
		ret.addr = addr
	}

	// Only one KV protocol version exists today, but the negotiation
	// machinery stays general so a future wire revision can add another
	// entry to ProtoVersions without a breaking change.
	ret.protoVersion = protoVersion
	ret.cv = config.ProtoVersions[protoVersion]
	if ret.cv == nil {
		for v, cv := range config.ProtoVersions {
			ret.protoVersion = v
			ret.cv = cv
			break
		}
	}

	if len(info.ServerCert) > 0 {
		x509Cert, err := x509.ParseCertificate(info.ServerCert)
		if err != nil {
			return nil, fmt.Errorf("failed to parse plugin server's certificate: %w", err)
		}

		serverCurve, curveErr := DetectCurve(x509Cert)
		if curveErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrCurveIncompatible, curveErr)
		}

		switch {
		case config.TLSCurve == CurveAuto:
			if serverCurve != bootstrapCurve && serverCurve != CurveRSA {
				// Strategy (a): the pre-spawn cert didn't match; regenerate
				// on the server's curve. A client runtime that cannot
				// produce a cert on serverCurve reports ErrCurveIncompatible
				// here rather than attempting a mismatched dial.
				clientCert, err = GenerateCertificate(serverCurve, "kvplugin.rpc.client")
				if err != nil {
					return nil, fmt.Errorf("%w: %s", ErrCurveIncompatible, err)
				}
				tlsConfig.Certificates = []tls.Certificate{clientCert}
			}
		case serverCurve != config.TLSCurve && serverCurve != CurveRSA:
			// The caller pinned a specific curve it's able to present, and
			// the server advertised a different one: report the mismatch
			// and return without dialing, rather than presenting a cert the
			// server's RootCAs can't have signed.
			return nil, fmt.Errorf("%w: server advertised %s, client can only present %s", ErrCurveIncompatible, serverCurve, config.TLSCurve)
		}

		certPool := x509.NewCertPool()
		certPool.AddCert(x509Cert)
		tlsConfig.RootCAs = certPool

		serverName := "localhost"
		for _, dns := range x509Cert.DNSNames {
			if dns == "localhost" {
				serverName = "localhost"
				break
			}
		}
		tlsConfig.ServerName = serverName
	}

	if tracer.TLSConfig != nil {
		tracer.TLSConfig(tlsConfig, autoTLS)
	}
	if tracer.ServerStarted != nil {
		tracer.ServerStarted(ret.process, ret.addr, ret.protoVersion)
	}

	return ret, nil
}

// Client returns a client object that can be used to call plugin functions.
// The protoVersion return value is the protocol version negotiated with the
// plugin server; client must be type-asserted to the appropriate gRPC
// client interface for that version (kvproto.KVClient for version 1).
func (p *Plugin) Client(ctx context.Context) (protoVersion int, client interface{}, err error) {
	tracer := p.tracer

	if tracer.Connect != nil {
		tracer.Connect(p.addr)
	}

	conn, err := grpc.DialContext(
		ctx, "",
		grpc.FailOnNonTempDialError(true),
		grpc.WithTransportCredentials(grpcCreds.NewTLS(p.tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(math.MaxInt32)),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(math.MaxInt32)),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return net.Dial(p.addr.Network(), p.addr.String())
		}),
	)
	if err != nil {
		if tracer.ConnectFailed != nil {
			tracer.ConnectFailed(p.addr, err)
		}
		return 0, nil, fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}

	client, err = p.cv.ClientProxy(ctx, conn)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create client proxy: %w", err)
	}

	if tracer.Connected != nil {
		tracer.Connected(p.addr)
	}

	return p.protoVersion, client, nil
}

// Close terminates the plugin child process: SIGTERM first, escalating to
// SIGKILL if the process hasn't exited within p.shutdownGrace.
func (p *Plugin) Close() error {
	tracer := p.tracer

	if tracer.Closing != nil {
		tracer.Closing(p.process)
	}

	if err := p.process.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone, or the platform may not support
		// SIGTERM; fall straight through to Kill either way.
		p.process.Kill()
		<-p.exit
		return nil
	}

	select {
	case <-p.exit:
	case <-time.After(p.shutdownGrace):
		if err := p.process.Kill(); err != nil {
			return fmt.Errorf("failed to kill pid %d: %w", p.process.Pid, err)
		}
		<-p.exit
	}

	return nil
}
