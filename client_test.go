package kvplugin

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"google.golang.org/grpc"
)

func testProtoVersions() map[int]ClientVersion {
	return map[int]ClientVersion{
		1: ClientVersionFunc(func(ctx context.Context, conn *grpc.ClientConn) (interface{}, error) {
			return nil, nil
		}),
	}
}

// Scenario: the plugin server process never prints a handshake line before
// the client's StartTimeout elapses. New must fail with ErrHandshakeTimeout
// and not hang past the configured bound.
func TestNewHandshakeTimeout(t *testing.T) {
	deadline := 150 * time.Millisecond
	start := time.Now()

	_, err := New(context.Background(), &ClientConfig{
		Handshake:    HandshakeConfig{CookieKey: "BASIC_PLUGIN", CookieValue: "hello"},
		ProtoVersions: testProtoVersions(),
		Cmd:          exec.Command("sleep", "5"),
		StartTimeout: deadline,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("New error = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed > deadline+2*time.Second {
		t.Fatalf("New took %s to report a timeout bounded at %s", elapsed, deadline)
	}
}

// Scenario: the child process prints a line that isn't a valid handshake
// line. New must fail with the codec's malformed-line error.
func TestNewRejectsMalformedHandshakeLine(t *testing.T) {
	_, err := New(context.Background(), &ClientConfig{
		Handshake:    HandshakeConfig{CookieKey: "BASIC_PLUGIN", CookieValue: "hello"},
		ProtoVersions: testProtoVersions(),
		Cmd:          exec.Command("printf", "%s\n", "xyz"),
		StartTimeout: 5 * time.Second,
	})
	if !errors.Is(err, ErrHandshakeMalformed) {
		t.Fatalf("New error = %v, want ErrHandshakeMalformed", err)
	}
}

// Scenario: the server advertises a certificate on a curve the caller has
// pinned the client to be unable to match. New must report
// ErrCurveIncompatible and never attempt to dial.
func TestNewRejectsPinnedCurveMismatch(t *testing.T) {
	serverCert, err := GenerateCertificate(CurveP521, "fake-server")
	if err != nil {
		t.Fatalf("GenerateCertificate: %v", err)
	}
	line := FormatHandshakeLine("tcp", "127.0.0.1:1", serverCert.Certificate[0], false)

	_, err = New(context.Background(), &ClientConfig{
		Handshake:    HandshakeConfig{CookieKey: "BASIC_PLUGIN", CookieValue: "hello"},
		ProtoVersions: testProtoVersions(),
		Cmd:          exec.Command("printf", "%s\n", line),
		StartTimeout: 5 * time.Second,
		TLSCurve:     CurveP256,
	})
	if !errors.Is(err, ErrCurveIncompatible) {
		t.Fatalf("New error = %v, want ErrCurveIncompatible", err)
	}
}
