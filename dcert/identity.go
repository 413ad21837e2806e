// Package dcert creates and inspects the certificates
// that bind a QUIC endpoint to a peer's ed25519 identity key.
//
// Peers are not authenticated through a certificate authority.
// Each peer presents a self-signed certificate for its own key,
// and the remote side checks that key against the identity it expected.
package dcert

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gordian-engine/dragongate/dpeer"
)

// DefaultValidity is how long a certificate from [SelfSigned] is valid
// when no explicit duration is given.
const DefaultValidity = 30 * 24 * time.Hour

// SelfSigned returns a TLS certificate for key, signed by key.
// A zero validFor uses [DefaultValidity].
func SelfSigned(key ed25519.PrivateKey, validFor time.Duration) (tls.Certificate, error) {
	if len(key) != ed25519.PrivateKeySize {
		return tls.Certificate{}, fmt.Errorf(
			"private key must be %d bytes (got %d)", ed25519.PrivateKeySize, len(key),
		)
	}
	if validFor == 0 {
		validFor = DefaultValidity
	}

	pub := key.Public().(ed25519.PublicKey)

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{"dragongate"},
			CommonName:   dpeer.NewID(pub, "").String(),
		},

		// Tolerate small clock skew between peers.
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(nil, template, template, pub, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// ErrNoCertificate is returned from [PeerKey]
// when the remote did not present a certificate.
var ErrNoCertificate = errors.New("no peer certificate")

// PeerKey extracts the identity key from the first of the raw certificates
// presented during a TLS handshake.
//
// It is shaped to be called from [tls.Config.VerifyPeerCertificate].
func PeerKey(rawCerts [][]byte) (dpeer.PublicKey, error) {
	if len(rawCerts) == 0 {
		return dpeer.PublicKey{}, ErrNoCertificate
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return dpeer.PublicKey{}, fmt.Errorf("failed to parse peer certificate: %w", err)
	}

	return LeafKey(cert)
}

// LeafKey returns the identity key of cert,
// after checking that the certificate is signed by that key
// and is currently valid.
func LeafKey(cert *x509.Certificate) (dpeer.PublicKey, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return dpeer.PublicKey{}, fmt.Errorf(
			"peer certificate has %T key; only ed25519 is supported", cert.PublicKey,
		)
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return dpeer.PublicKey{}, fmt.Errorf("peer certificate is not self-signed: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return dpeer.PublicKey{}, fmt.Errorf(
			"peer certificate not valid at %s (valid %s to %s)",
			now.Format(time.RFC3339), cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339),
		)
	}

	return dpeer.NewID(pub, "").Key, nil
}

func randomSerial() *big.Int {
	// 128 bits of randomness is plenty for a serial number.
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to read random serial: %w", err))
	}
	return serial
}
