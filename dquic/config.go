// Package dquic is a [dconn.Transport] over QUIC.
//
// Every [dconn.Conn] is its own QUIC connection carrying a single
// bidirectional stream.
// Peers authenticate with self-signed certificates for their identity keys
// (see package dcert),
// and the dialing side opens the stream with a [dwire.Identity] frame
// so that the accepting side learns the dialer's advertised address.
package dquic

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gordian-engine/dragongate/internal/dwire"
	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated on every connection.
const NextProto = "dragongate/1"

// Config is the configuration for [NewTransport].
type Config struct {
	// The UDP connection to serve on.
	// The transport takes ownership and closes it on shutdown.
	UDPConn *net.UDPConn

	// The identity key of this peer.
	Key ed25519.PrivateKey

	// The address remote peers should dial to reach this peer.
	// Defaults to the local address of UDPConn,
	// which is only useful when that address is routable.
	AdvertiseAddr string

	// QUIC configuration.
	// Use [DefaultQUICConfig] if there is no reason to customize it.
	QUIC *quic.Config

	// How long an accepted connection has to open its stream
	// and identify itself.
	// Defaults to [DefaultIdentityTimeout].
	IdentityTimeout time.Duration

	// Validity of the generated certificate.
	// Zero uses the dcert default.
	CertValidity time.Duration
}

// DefaultIdentityTimeout is used when [Config.IdentityTimeout] is zero.
const DefaultIdentityTimeout = 5 * time.Second

func (c Config) validate() {
	var err error

	if c.UDPConn == nil {
		err = errors.Join(err, errors.New("UDPConn must not be nil"))
	}

	if len(c.Key) != ed25519.PrivateKeySize {
		err = errors.Join(err, fmt.Errorf(
			"Key must be an ed25519 private key (got %d bytes)", len(c.Key),
		))
	}

	if addrErr := dwire.CheckAddr(c.AdvertiseAddr); addrErr != nil {
		err = errors.Join(err, fmt.Errorf("AdvertiseAddr: %w", addrErr))
	}

	if c.QUIC == nil {
		err = errors.Join(err, errors.New("QUIC config must not be nil (use DefaultQUICConfig)"))
	}

	if c.IdentityTimeout < 0 {
		err = errors.Join(err, fmt.Errorf(
			"IdentityTimeout must not be negative (got %s)", c.IdentityTimeout,
		))
	}

	if err != nil {
		panic(err)
	}
}

// DefaultQUICConfig returns the default QUIC configuration for a [Config].
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// Defaults to 5 otherwise, which is far higher latency than a handshake needs.
		HandshakeIdleTimeout: 2 * time.Second,

		// Negotiations are short; a peer that goes quiet is gone.
		MaxIdleTimeout: 15 * time.Second,

		// Promoted connections may sit idle between application messages.
		KeepAlivePeriod: 5 * time.Second,

		// Handshake frames are small.
		InitialStreamReceiveWindow: 32 * 1024,
		MaxStreamReceiveWindow:     1024 * 1024,

		InitialConnectionReceiveWindow: 4 * 32 * 1024,
		MaxConnectionReceiveWindow:     4 * 1024 * 1024,

		// One negotiation stream per connection.
		// Leave a little room for the application after promotion.
		MaxIncomingStreams:    4,
		MaxIncomingUniStreams: -1,
	}
}
