package kvplugin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apparentlymart/go-ctxenv/ctxenv"
)

// HandshakeConfig contains settings that the client and server must both
// agree on in order for a plugin connection to be established.
type HandshakeConfig struct {
	// CookieKey and CookieValue are used together to return an error if
	// a server program is run directly from the command line, rather than as
	// a child process of a plugin client.
	//
	// CookieKey is used as an environment variable name and CookieValue as
	// its value. The client sets this variable when it launches plugin server
	// child processes, and the server programs check for the variable and
	// corresponding value and will return an error immediately in case of
	// a mismatch.
	//
	// CookieKey will usually be something users can identify as being related
	// to the calling application. CookieValue should be something unlikely to
	// be set manually for some other reason, such as a specific (hard-coded)
	// uuid.
	//
	// This is not a security feature. It is just a heuristic to allow plugin
	// server programs to give good user feedback if a user tries to launch
	// them directly, rather than showing the user the plugin handshake line.
	CookieKey, CookieValue string
}

// NotChildProcessError is the error value returned from Serve if it does not
// detect the "cookie" environment variable that is a heuristic for detecting
// whether or not the server is being launched from the expected parent process.
//
// Use this to detect that error case and potentially show a more
// application-specific error message, e.g. explaining how to install a plugin
// for that application.
var NotChildProcessError error

func init() {
	NotChildProcessError = errors.New("plugin server program launched outside of its expected host")
}

// haveHandshakeCookie is an internal helper to check whether the configured
// handshake cookie environment variable is present for the current process.
func haveHandshakeCookie(ctx context.Context, cfg *HandshakeConfig) bool {
	if cfg.CookieKey == "" {
		panic("no handshake cookie key is configured")
	}
	v := ctxenv.Getenv(ctx, cfg.CookieKey)
	return v == cfg.CookieValue
}

// coreVersion and protoVersion are the leading fields of the handshake line:
// they identify this wire format itself, independent of the KV
// service's own protocol version (carried in PLUGIN_PROTOCOL_VERSIONS).
const (
	coreVersion  = 1
	protoVersion = 1
)

// HandshakeInfo is the decoded form of the single line a plugin server
// prints to its stdout before accepting any gRPC traffic.
type HandshakeInfo struct {
	Network    string // "tcp" or "unix"
	Address    string
	ServerCert []byte // DER, nil if the server advertised no certificate
}

// ErrHandshakeMalformed is returned by ParseHandshakeLine when the line
// cannot be split into the fields the wire format requires.
var ErrHandshakeMalformed = errors.New("malformed plugin handshake line")

// ErrProtocolUnsupported is returned when the handshake names an RPC
// protocol other than "grpc", or a core version this codec doesn't
// implement. The proto version field is not checked.
var ErrProtocolUnsupported = errors.New("unsupported plugin protocol")

// ErrHandshakeTimeout is returned by the client when no handshake line
// arrives within the configured timeout.
var ErrHandshakeTimeout = errors.New("timed out waiting for plugin handshake")

// FormatHandshakeLine renders the handshake line for network/address,
// optionally carrying a DER-encoded server certificate. The certificate,
// when present, is standard base64 with trailing "=" padding stripped.
// rawPadding selects go-plugin's RawStdEncoding instead (see server.go's
// use of this for HashiCorp go-plugin clients); that encoding never emits
// padding, so both choices produce the same text.
func FormatHandshakeLine(network, address string, certDER []byte, rawPadding bool) string {
	certField := ""
	if len(certDER) > 0 {
		if rawPadding {
			certField = base64.RawStdEncoding.EncodeToString(certDER)
		} else {
			certField = strings.TrimRight(base64.StdEncoding.EncodeToString(certDER), "=")
		}
	}
	return fmt.Sprintf("%d|%d|%s|%s|grpc|%s", coreVersion, protoVersion, network, address, certField)
}

// ParseHandshakeLine parses a handshake line read from a plugin server's
// stdout. It accepts both the five-field (no TLS) and six-field (with
// certificate) forms, and tolerates an optional trailing empty field.
func ParseHandshakeLine(line string) (HandshakeInfo, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, "|", 6)
	if len(parts) < 5 {
		return HandshakeInfo{}, fmt.Errorf("%w: %q", ErrHandshakeMalformed, line)
	}

	if parts[0] != strconv.Itoa(coreVersion) {
		return HandshakeInfo{}, fmt.Errorf("%w: core version %q, want %d", ErrProtocolUnsupported, parts[0], coreVersion)
	}

	network := parts[2]
	if network != "tcp" && network != "unix" {
		return HandshakeInfo{}, fmt.Errorf("%w: network %q", ErrHandshakeMalformed, network)
	}

	address := parts[3]
	if address == "" {
		return HandshakeInfo{}, fmt.Errorf("%w: empty address", ErrHandshakeMalformed)
	}

	if parts[4] != "grpc" {
		return HandshakeInfo{}, fmt.Errorf("%w: protocol %q, want grpc", ErrProtocolUnsupported, parts[4])
	}

	info := HandshakeInfo{Network: network, Address: address}

	if len(parts) == 6 && parts[5] != "" {
		certStr := parts[5]
		if m := len(certStr) % 4; m != 0 {
			certStr += strings.Repeat("=", 4-m)
		}
		der, err := base64.StdEncoding.DecodeString(certStr)
		if err != nil {
			return HandshakeInfo{}, fmt.Errorf("%w: invalid certificate encoding: %s", ErrHandshakeMalformed, err)
		}
		info.ServerCert = der
	}

	return info, nil
}
