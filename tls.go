package kvplugin

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// Curve identifies the elliptic curve (or RSA) to use for a generated
// certificate.
type Curve string

const (
	CurveP256 Curve = "P-256"
	CurveP384 Curve = "P-384"
	CurveP521 Curve = "P-521"
	CurveAuto Curve = "auto"
	CurveRSA  Curve = "rsa"
)

// ErrUnsupportedCurve is returned by GenerateCertificate and DetectCurve for
// curve names or public key algorithms this factory doesn't implement.
var ErrUnsupportedCurve = fmt.Errorf("unsupported curve")

// certOrg and certValidity hold the attributes shared by every
// certificate this factory produces.
const (
	certOrg      = "kvplugin"
	certValidity = 365 * 24 * time.Hour
)

// namedCurve resolves the canonical spelling and common aliases
// (secp256r1/p256/P-256, ...) to a crypto/elliptic.Curve.
func namedCurve(curve Curve) (elliptic.Curve, error) {
	switch strings.ToLower(string(curve)) {
	case "secp256r1", "p-256", "p256":
		return elliptic.P256(), nil
	case "secp384r1", "p-384", "p384":
		return elliptic.P384(), nil
	case "secp521r1", "p-521", "p521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurve, curve)
	}
}

// GenerateCertificate creates an ephemeral self-signed ECDSA certificate on
// the named curve, with the attributes: CommonName
// "<commonName>", DNS SAN localhost, IP SAN 127.0.0.1, one year validity,
// ExtKeyUsage {ServerAuth, ClientAuth}, KeyUsage {DigitalSignature,
// KeyEncipherment}.
//
// The factory is pure with respect to wall clock and RNG inputs other than
// crypto/rand: NotBefore is now, NotAfter is now+1y.
func GenerateCertificate(curve Curve, commonName string) (tls.Certificate, error) {
	ecCurve, err := namedCurve(curve)
	if err != nil {
		return tls.Certificate{}, err
	}

	key, err := ecdsa.GenerateKey(ecCurve, rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	template, err := certTemplate(commonName)
	if err != nil {
		return tls.Certificate{}, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return keyPairFromDER(der, "EC PRIVATE KEY", keyBytes)
}

// GenerateRSACertificate creates an ephemeral self-signed RSA certificate of
// the given key size. Used when TLS_KEY_TYPE=rsa; the curve setting is
// ignored in that mode.
func GenerateRSACertificate(bits int) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	template, err := certTemplate("")
	if err != nil {
		return tls.Certificate{}, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	return keyPairFromDER(der, "RSA PRIVATE KEY", keyBytes)
}

func certTemplate(commonName string) (*x509.Certificate, error) {
	if commonName == "" {
		commonName = "kvplugin.rpc.server"
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	sn, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	return &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{certOrg},
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}, nil
}

func keyPairFromDER(certDER []byte, keyBlockType string, keyDER []byte) (tls.Certificate, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: keyBlockType, Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to assemble X509 keypair: %w", err)
	}
	return cert, nil
}

// DetectCurve inspects a parsed certificate's SubjectPublicKeyInfo and
// returns the canonical Curve name it was issued on, or CurveRSA if it
// carries an RSA public key.
func DetectCurve(cert *x509.Certificate) (Curve, error) {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return CurveP256, nil
		case elliptic.P384():
			return CurveP384, nil
		case elliptic.P521():
			return CurveP521, nil
		default:
			return "", fmt.Errorf("%w: unrecognized curve %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		return CurveRSA, nil
	default:
		return "", fmt.Errorf("%w: unsupported public key type %T", ErrUnsupportedCurve, cert.PublicKey)
	}
}
