package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kvconform/kvplugin"
)

// standaloneTLSConfig builds a server tls.Config for `kv server --standalone`,
// mirroring the certificate choice the plugin-mode server makes internally
// (kvplugin.GenerateCertificate / GenerateRSACertificate) but exposed as an
// explicit flag surface for manual cross-language testing.
func standaloneTLSConfig(tlsMode, tlsKeyType, tlsCurve string) (*tls.Config, error) {
	if tlsMode == "disabled" {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	if tlsKeyType == "rsa" {
		cert, err = kvplugin.GenerateRSACertificate(2048)
	} else {
		curve := kvplugin.Curve(tlsCurve)
		if curve == kvplugin.CurveAuto {
			curve = kvplugin.CurveP521
		}
		cert, err = kvplugin.GenerateCertificate(curve, "kvplugin.rpc.server")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate standalone server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}, nil
}

func grpcCredsFromTLS(cfg *tls.Config) credentials.TransportCredentials {
	return credentials.NewTLS(cfg)
}

func listenTCP(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// reattachDialOptions builds the dial options for connecting to an
// already-running server by address: plaintext for "unix"/bare host:port
// without a certificate, or TLS pinned to the server's leaf certificate as
// sole trust anchor when one was present in the handshake line.
func reattachDialOptions(network string, certDER []byte) ([]grpc.DialOption, error) {
	if len(certDER) == 0 {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate from handshake: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	tlsConfig := &tls.Config{
		RootCAs:    pool,
		ServerName: cert.Subject.CommonName,
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))}, nil
}

func grpcIsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
