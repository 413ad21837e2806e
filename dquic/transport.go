package dquic

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/dragongate/dcert"
	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/internal/dwire"
	"github.com/quic-go/quic-go"
)

// Transport is a [dconn.Transport] serving on a single UDP socket.
type Transport struct {
	log *slog.Logger

	self dpeer.ID
	cert tls.Certificate

	uc       *net.UDPConn
	qt       *quic.Transport
	ql       *quic.Listener
	quicConf *quic.Config

	identityTimeout time.Duration

	accepted chan dconn.Conn

	wg sync.WaitGroup
}

var _ dconn.Transport = (*Transport)(nil)

// NewTransport starts listening on cfg.UDPConn.
// The ctx parameter controls the lifecycle of the Transport;
// cancel it and then call [(*Transport).Wait].
//
// Configuration errors cause a panic.
func NewTransport(ctx context.Context, log *slog.Logger, cfg Config) (*Transport, error) {
	cfg.validate()

	cert, err := dcert.SelfSigned(cfg.Key, cfg.CertValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.UDPConn.LocalAddr().String()
	}

	identityTimeout := cfg.IdentityTimeout
	if identityTimeout == 0 {
		identityTimeout = DefaultIdentityTimeout
	}

	qt := &quic.Transport{
		Conn: cfg.UDPConn,
	}

	ql, err := qt.Listen(serverTLSConfig(cert), cfg.QUIC)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	t := &Transport{
		log: log,

		self: dpeer.NewID(cfg.Key.Public().(ed25519.PublicKey), advertise),
		cert: cert,

		uc:       cfg.UDPConn,
		qt:       qt,
		ql:       ql,
		quicConf: cfg.QUIC,

		identityTimeout: identityTimeout,

		accepted: make(chan dconn.Conn),
	}

	t.wg.Add(2)
	go t.acceptConnections(ctx)
	go t.closeOnDone(ctx)

	return t, nil
}

// Self is the identity this transport authenticates as.
func (t *Transport) Self() dpeer.ID {
	return t.self
}

// Wait blocks until all of the transport's goroutines have finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) closeOnDone(ctx context.Context) {
	defer t.wg.Done()

	<-ctx.Done()
	if err := t.ql.Close(); err != nil {
		t.log.Debug("Error closing QUIC listener", "err", err)
	}
	if err := t.qt.Close(); err != nil {
		t.log.Debug("Error closing QUIC transport", "err", err)
	}
	if err := t.uc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Debug("Error closing UDP connection", "err", err)
	}
}

// Dial opens a QUIC connection to p and identifies this peer on its stream.
// The remote certificate must carry p's key.
func (t *Transport) Dial(ctx context.Context, p dpeer.ID) (dconn.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", p.Addr, err)
	}

	qc, err := t.qt.Dial(ctx, addr, t.clientTLSConfig(p.Key), t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", p, err)
	}
	c := WrapConn(qc)

	s, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(CloseCodeNormal, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream to %s: %w", p, err)
	}

	sc := newStreamConn(p, c, s, nil)
	if err := sc.Send(ctx, dwire.Identity{Peer: t.self}); err != nil {
		_ = c.CloseWithError(CloseCodeNormal, "failed to identify")
		return nil, fmt.Errorf("failed to send identity to %s: %w", p, err)
	}

	return sc, nil
}

// Accept blocks until a remote peer has connected and identified itself.
func (t *Transport) Accept(ctx context.Context) (dconn.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case c := <-t.accepted:
		return c, nil
	}
}

func (t *Transport) acceptConnections(ctx context.Context) {
	defer t.wg.Done()

	for {
		qc, err := t.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return
			}
			t.log.Info("Failed to accept QUIC connection", "err", err)
			continue
		}

		t.wg.Add(1)
		go t.identify(ctx, WrapConn(qc))
	}
}

// identify reads the opening frame on a newly accepted connection
// and hands the connection to Accept.
func (t *Transport) identify(ctx context.Context, qc Conn) {
	defer t.wg.Done()

	c, err := t.readIdentity(ctx, qc)
	if err != nil {
		t.log.Info(
			"Rejecting unidentified connection",
			"remote_addr", qc.RemoteAddr(), "err", err,
		)
		_ = qc.CloseWithError(CloseCodeBadIdentity, err.Error())
		return
	}

	select {
	case <-ctx.Done():
		_ = qc.CloseWithError(CloseCodeNormal, "shutting down")
	case t.accepted <- c:
	}
}

func (t *Transport) readIdentity(ctx context.Context, qc Conn) (*streamConn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.identityTimeout)
	defer cancel()

	s, err := qc.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}

	// The TLS handshake already required an ed25519 certificate.
	certs := qc.TLSConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, dcert.ErrNoCertificate
	}
	key, err := dcert.LeafKey(certs[0])
	if err != nil {
		return nil, err
	}

	sc := newStreamConn(dpeer.ID{}, qc, s, bufio.NewReader(s))
	m, err := sc.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	id, ok := m.(dwire.Identity)
	if !ok {
		return nil, fmt.Errorf("expected identity frame, got %s", m.Type())
	}
	if id.Peer.Key != key {
		return nil, fmt.Errorf("identity %s does not match certificate key", id.Peer)
	}
	if id.Peer.Addr == "" {
		return nil, errors.New("identity has empty address")
	}

	sc.peer = id.Peer
	return sc, nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,

		// There is no CA to verify against.
		// VerifyPeerCertificate checks the self-signature instead.
		ClientAuth: tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := dcert.PeerKey(rawCerts)
			return err
		},
	}
}

func (t *Transport) clientTLSConfig(want dpeer.PublicKey) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,

		// Chain verification is replaced by the key check below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := dcert.PeerKey(rawCerts)
			if err != nil {
				return err
			}
			if got != want {
				return errors.New("remote certificate key does not match dialed peer")
			}
			return nil
		},
	}
}
