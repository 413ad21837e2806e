// Package dconnmem is an in-memory implementation of [dconn.Transport].
//
// Every message crossing an in-memory connection is encoded and decoded
// through the wire codec, so tests observe the same decode failures
// a network transport would produce.
package dconnmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
)

// ErrNoListener is returned from [*Transport.Dial]
// when no transport is registered at the dialed address.
var ErrNoListener = errors.New("no transport listening at address")

// Network is a set of in-memory transports that can dial one another,
// keyed by their advertised address.
type Network struct {
	mu sync.Mutex

	transports map[string]*Transport
	dialErrs   map[string]error
	dialHolds  map[string]chan struct{}
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		transports: make(map[string]*Transport),
		dialErrs:   make(map[string]error),
		dialHolds:  make(map[string]chan struct{}),
	}
}

// NewTransport registers and returns a transport for self.
// It panics if another transport is already registered at self.Addr.
func (n *Network) NewTransport(self dpeer.ID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.transports[self.Addr]; ok {
		panic(fmt.Errorf("BUG: address %q already registered", self.Addr))
	}

	t := &Transport{
		net:  n,
		self: self,

		acceptCh: make(chan *Conn, 16),
		closed:   make(chan struct{}),
	}
	n.transports[self.Addr] = t
	return t
}

// FailDials causes every subsequent dial to addr to fail with err.
// A nil err clears the failure.
func (n *Network) FailDials(addr string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err == nil {
		delete(n.dialErrs, addr)
		return
	}
	n.dialErrs[addr] = err
}

// HoldDials causes subsequent dials to addr to block
// until the returned release function is called
// or the dialer's context is canceled.
// Dial failures configured by [*Network.FailDials] are evaluated
// after the hold is released.
func (n *Network) HoldDials(addr string) (release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{})
	n.dialHolds[addr] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			if n.dialHolds[addr] == ch {
				delete(n.dialHolds, addr)
			}
			n.mu.Unlock()

			close(ch)
		})
	}
}

func (n *Network) hold(addr string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialHolds[addr]
}

func (n *Network) lookup(addr string) (*Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.dialErrs[addr]; err != nil {
		return nil, err
	}

	t, ok := n.transports[addr]
	if !ok {
		return nil, ErrNoListener
	}
	return t, nil
}

func (n *Network) remove(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.transports[t.self.Addr] == t {
		delete(n.transports, t.self.Addr)
	}
}

// Transport is one participant's view of a [Network].
type Transport struct {
	net  *Network
	self dpeer.ID

	acceptCh chan *Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ dconn.Transport = (*Transport)(nil)

// Self returns the identity the transport was registered with.
func (t *Transport) Self() dpeer.ID {
	return t.self
}

// Dial connects to the transport registered at p.Addr.
// The registered identity must match p.
func (t *Transport) Dial(ctx context.Context, p dpeer.ID) (dconn.Conn, error) {
	if hold := t.net.hold(p.Addr); hold != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", p, context.Cause(ctx))
		case <-hold:
			// Continue.
		}
	}

	remote, err := t.net.lookup(p.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p, err)
	}
	if remote.self.Key != p.Key {
		return nil, fmt.Errorf(
			"dial %s: remote identity mismatch (got %s)", p, remote.self,
		)
	}

	local, accepted := newPipe(t.self, remote.self)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s: %w", p, context.Cause(ctx))
	case <-remote.closed:
		return nil, fmt.Errorf("dial %s: %w", p, ErrNoListener)
	case remote.acceptCh <- accepted:
		return local, nil
	}
}

// Accept returns the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (dconn.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-t.closed:
		return nil, errors.New("transport closed")
	case c := <-t.acceptCh:
		return c, nil
	}
}

// Close unregisters the transport from its network.
// Existing connections are unaffected.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.net.remove(t)
		close(t.closed)
	})
}
