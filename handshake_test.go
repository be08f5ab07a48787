package kvplugin

import (
	"errors"
	"testing"
)

func TestFormatParseHandshakeLineRoundTrip(t *testing.T) {
	cert := []byte{0x01, 0x02, 0x03, 0xFF, 0x00}

	line := FormatHandshakeLine("tcp", "127.0.0.1:1234", cert, false)
	info, err := ParseHandshakeLine(line)
	if err != nil {
		t.Fatalf("ParseHandshakeLine: %v", err)
	}

	if info.Network != "tcp" || info.Address != "127.0.0.1:1234" {
		t.Errorf("got network=%q address=%q", info.Network, info.Address)
	}
	if string(info.ServerCert) != string(cert) {
		t.Errorf("ServerCert = %x, want %x", info.ServerCert, cert)
	}
}

func TestParseHandshakeLineWithoutCertificate(t *testing.T) {
	line := FormatHandshakeLine("unix", "/tmp/kvplugin.sock", nil, false)
	info, err := ParseHandshakeLine(line)
	if err != nil {
		t.Fatalf("ParseHandshakeLine: %v", err)
	}
	if len(info.ServerCert) != 0 {
		t.Errorf("expected no certificate, got %d bytes", len(info.ServerCert))
	}
}

func TestParseHandshakeLineRejectsMalformed(t *testing.T) {
	_, err := ParseHandshakeLine("not-a-handshake-line")
	if !errors.Is(err, ErrHandshakeMalformed) {
		t.Errorf("err = %v, want ErrHandshakeMalformed", err)
	}
}

func TestParseHandshakeLineRejectsUnknownCoreVersion(t *testing.T) {
	_, err := ParseHandshakeLine("99|1|tcp|127.0.0.1:1234|grpc|")
	if !errors.Is(err, ErrProtocolUnsupported) {
		t.Errorf("err = %v, want ErrProtocolUnsupported", err)
	}
}

func TestParseHandshakeLineRejectsNonGRPCProtocol(t *testing.T) {
	_, err := ParseHandshakeLine("1|1|tcp|127.0.0.1:1234|netrpc|")
	if !errors.Is(err, ErrProtocolUnsupported) {
		t.Errorf("err = %v, want ErrProtocolUnsupported", err)
	}
}

func TestParseHandshakeLineAcceptsRawPaddingCertificate(t *testing.T) {
	cert := []byte("not a real cert, just needs to round-trip through base64")
	line := FormatHandshakeLine("tcp", "127.0.0.1:1234", cert, true)

	info, err := ParseHandshakeLine(line)
	if err != nil {
		t.Fatalf("ParseHandshakeLine: %v", err)
	}
	if string(info.ServerCert) != string(cert) {
		t.Errorf("ServerCert = %q, want %q", info.ServerCert, cert)
	}
}
