package dragongate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dpubsub"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dhs"
	"github.com/gordian-engine/dragongate/internal/dwire"
	"github.com/prometheus/client_golang/prometheus"
)

// Node is a node in the overlay.
// It owns the connections to its ring neighbors,
// and delegates every connection negotiation to a handshake coordinator.
type Node struct {
	log *slog.Logger

	self dpeer.ID

	ring *dring.Handle
	hs   *dhs.Coordinator
	cmds dhs.Commands

	events chan<- Event

	mu sync.Mutex

	// Promoted connections, keyed by remote address.
	conns map[string]*liveConn

	// Where the next connection change is published.
	changes *dpubsub.Stream[dconn.Change]

	wg sync.WaitGroup
}

type liveConn struct {
	peer dpeer.ID
	conn dconn.Conn

	// Lifecycle of the watcher goroutine.
	ctx    context.Context
	cancel context.CancelFunc
}

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	// The identity of this node.
	// Must be the identity the transport authenticates as.
	Self dpeer.ID

	// Source of raw connections.
	Transport dconn.Transport

	// Configuration for the node's ring.
	Ring dring.Config

	// Hop budget for join requests, and the number of acceptance checks
	// for this node's own admissions.
	// If zero, a reasonable default is used.
	MaxHopsToLive int

	// When this node's admissions through a gateway are finalized.
	Policy FinalizationPolicy

	// How long a join transaction is remembered for loop detection.
	// If zero, a reasonable default is used.
	RecentJoinTTL time.Duration

	// How long an accept vote is honored when the joiner dials directly.
	// If zero, a reasonable default is used.
	ReservationTTL time.Duration

	// Where handshake metrics are registered.
	// If nil, metrics are collected but not registered.
	Metrics prometheus.Registerer

	// Optional channel that receives a copy of every negotiation outcome.
	// Sends never block; if the channel is not ready, the event is dropped.
	Events chan<- Event
}

// validate panics if there are any illegal settings in the configuration.
func (c NodeConfig) validate() {
	// If there are multiple reasons we could panic,
	// collect them all in one go
	// so we can give a maximally helpful error.
	var panicErrs error

	if c.Self.IsZero() {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Self must not be the zero ID"),
		)
	} else if c.Self.Addr == "" {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Self.Addr must not be empty"),
		)
	} else if err := dwire.CheckAddr(c.Self.Addr); err != nil {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("NodeConfig.Self.Addr: %w", err),
		)
	}

	if c.Transport == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Transport may not be nil"),
		)
	}

	if c.Ring.RNG == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.Ring.RNG may not be nil"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewNode returns a new Node with the given configuration.
// The ctx parameter controls the lifecycle of the Node;
// cancel the context to stop the node,
// and then use [(*Node).Wait] to block until all background work has completed.
//
// Configuration errors cause a panic.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) *Node {
	cfg.validate()

	ring := dring.NewRing(log.With("node_sys", "ring"), cfg.Self, cfg.Ring)
	h := dring.NewHandle(ring)

	hs := dhs.NewCoordinator(ctx, log.With("node_sys", "handshake"), dhs.CoordinatorConfig{
		Transport: cfg.Transport,
		Ring:      h,

		MaxHopsToLive: cfg.MaxHopsToLive,
		Policy:        cfg.Policy,

		RecentJoinTTL:  cfg.RecentJoinTTL,
		ReservationTTL: cfg.ReservationTTL,

		Metrics: dhs.NewMetrics(cfg.Metrics),
	})

	n := &Node{
		log: log,

		self: cfg.Self,

		ring: h,
		hs:   hs,
		cmds: hs.Commands(),

		events: cfg.Events,

		conns: make(map[string]*liveConn),

		changes: dpubsub.NewStream[dconn.Change](),
	}

	n.wg.Add(1)
	go n.consumeEvents(ctx)

	return n
}

// Wait blocks until all of the node's background work has completed.
func (n *Node) Wait() {
	n.hs.Wait()
	n.wg.Wait()
}

// Self is the identity of this node.
func (n *Node) Self() dpeer.ID {
	return n.self
}

// Join starts an admission into the overlay through gateway.
// The returned transaction identifies the admission in the events.
//
// Join only starts the admission; it does not wait for the outcome.
func (n *Node) Join(ctx context.Context, gateway dpeer.ID) (dtx.ID, error) {
	return n.establish(ctx, gateway, true)
}

// Connect starts a direct connection attempt to p,
// for a peer that is already a member of the overlay.
//
// Connect only starts the attempt; it does not wait for the outcome.
func (n *Node) Connect(ctx context.Context, p dpeer.ID) (dtx.ID, error) {
	return n.establish(ctx, p, false)
}

func (n *Node) establish(ctx context.Context, p dpeer.ID, isGateway bool) (dtx.ID, error) {
	if p == n.self {
		return dtx.ID{}, errors.New("cannot connect to self")
	}

	n.mu.Lock()
	_, ok := n.conns[p.Addr]
	n.mu.Unlock()
	if ok {
		return dtx.ID{}, AlreadyConnectedToNodeError{Addr: p.Addr}
	}

	tx := dtx.New()
	if err := n.cmds.EstablishConn(ctx, p, tx, isGateway); err != nil {
		return dtx.ID{}, n.commandErr(err)
	}
	return tx, nil
}

// Disconnect closes the connection to p, if any,
// and abandons every negotiation in progress with p's address.
func (n *Node) Disconnect(ctx context.Context, p dpeer.ID) error {
	n.mu.Lock()
	lc := n.conns[p.Addr]
	if lc != nil {
		n.removeLocked(lc, "disconnected")
	}
	n.mu.Unlock()

	if err := n.cmds.DropConnection(ctx, p); err != nil {
		return n.commandErr(err)
	}
	return nil
}

func (n *Node) commandErr(err error) error {
	if errors.Is(err, dhs.ErrChannelClosed) {
		return ErrStopped
	}
	return err
}

// NumConnections is the number of promoted connections.
func (n *Node) NumConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// ConnectedPeers returns the peers with promoted connections,
// in no particular order.
func (n *Node) ConnectedPeers() []dpeer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]dpeer.ID, 0, len(n.conns))
	for _, lc := range n.conns {
		out = append(out, lc.peer)
	}
	return out
}

// RingPeers returns the peers installed in the ring,
// sorted by address.
func (n *Node) RingPeers() []dpeer.ID {
	var out []dpeer.ID
	n.ring.Read(func(r dring.Router) {
		if t, ok := r.(dring.Topology); ok {
			out = t.Peers()
		}
	})
	slices.SortFunc(out, func(a, b dpeer.ID) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	return out
}

// ConnectionChanges returns the stream of connection changes,
// starting after the most recently published change.
func (n *Node) ConnectionChanges() *dpubsub.Stream[dconn.Change] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changes
}

func (n *Node) consumeEvents(ctx context.Context) {
	defer n.wg.Done()
	defer n.closeAll()

	for ev := range n.hs.Events() {
		n.handleEvent(ctx, ev)

		if n.events != nil {
			select {
			case n.events <- ev:
			default:
				n.log.Debug(
					"Dropped event for slow observer",
					"tx", ev.Transaction(), "event", fmt.Sprintf("%T", ev),
				)
			}
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case InboundConnection:
		if e.ForwardInfo != nil {
			n.log.Debug(
				"Admitted joiner as gateway",
				"joiner", e.Joiner, "tx", e.Tx, "last_forward", e.ForwardInfo.Target,
			)
		}
		n.install(ctx, e.Joiner, e.Conn)

	case OutboundConnectionSuccessful:
		n.install(ctx, e.Peer, e.Conn)

	case OutboundGatewayConnectionSuccessful:
		n.log.Info(
			"Admitted through gateway",
			"gateway", e.Peer, "tx", e.Tx,
			"accepted", e.Accepted, "remaining_checks", e.RemainingChecks,
		)
		n.install(ctx, e.Peer, e.Conn)

	case OutboundConnectionFailed:
		var ace dhs.AlreadyConnectedError
		if errors.As(e.Err, &ace) || errors.Is(e.Err, dhs.ErrDropped) {
			n.log.Debug("Outbound connection abandoned", "peer", e.Peer, "tx", e.Tx, "err", e.Err)
			return
		}
		n.log.Info("Outbound connection failed", "peer", e.Peer, "tx", e.Tx, "err", e.Err)

	case OutboundGatewayConnectionRejected:
		n.log.Info("Admission through gateway rejected", "gateway", e.Peer, "tx", e.Tx)

	case InboundConnectionRejected:
		n.log.Debug("Rejected inbound connection", "peer", e.Peer, "tx", e.Tx)

	case RemoveTransaction:
		n.log.Debug("Transaction removed", "peer", e.Peer, "tx", e.Tx, "err", e.Err)

	case TransientForwardTransaction:
		n.log.Debug("Forwarded join request", "target", e.Target, "tx", e.Tx)

	default:
		panic(fmt.Errorf("BUG: unhandled event type %T", ev))
	}
}

// install adds a promoted connection to the ring and the connection table.
// On failure the connection is closed and the coordinator is told
// the address is free again.
func (n *Node) install(ctx context.Context, p dpeer.ID, conn dconn.Conn) {
	var addErr error
	n.ring.Write(func(t dring.Topology) {
		addErr = t.Add(p)
	})
	if addErr != nil {
		n.log.Info("Failed to install peer", "peer", p, "err", addErr)
		_ = conn.Close("not installed")
		n.release(ctx, p)
		return
	}

	wCtx, cancel := context.WithCancel(ctx)
	lc := &liveConn{peer: p, conn: conn, ctx: wCtx, cancel: cancel}

	n.mu.Lock()
	if old := n.conns[p.Addr]; old != nil {
		// The old connection was released to the coordinator
		// but its watcher has not removed it yet.
		n.removeLocked(old, "replaced")
	}
	n.conns[p.Addr] = lc
	n.changes = n.changes.Publish(dconn.Change{Conn: conn, Adding: true})
	n.mu.Unlock()

	n.log.Info("Peer installed", "peer", p)

	n.wg.Add(1)
	go n.watch(ctx, lc)
}

// watch reads from a promoted connection until it fails,
// then removes the peer.
// No messages are expected after promotion.
func (n *Node) watch(ctx context.Context, lc *liveConn) {
	defer n.wg.Done()

	for {
		m, err := lc.conn.Recv(lc.ctx)
		if err != nil {
			if lc.ctx.Err() != nil {
				return
			}

			n.log.Info("Connection lost", "peer", lc.peer, "err", err)

			if !n.isCurrent(lc) {
				return
			}

			// Release the address first,
			// so that once the peer is gone from the table
			// the coordinator will negotiate with it again.
			n.release(ctx, lc.peer)

			n.mu.Lock()
			if n.conns[lc.peer.Addr] == lc {
				n.removeLocked(lc, "connection lost")
			}
			n.mu.Unlock()
			return
		}

		n.log.Debug(
			"Discarding message on promoted connection",
			"peer", lc.peer, "type", m.Type(), "tx", m.Transaction(),
		)
	}
}

// removeLocked uninstalls lc.
// The caller must hold n.mu.
func (n *Node) removeLocked(lc *liveConn, reason string) {
	delete(n.conns, lc.peer.Addr)
	n.changes = n.changes.Publish(dconn.Change{Conn: lc.conn, Adding: false})

	n.ring.Write(func(t dring.Topology) {
		t.Remove(lc.peer)
	})

	lc.cancel()
	_ = lc.conn.Close(reason)
}

func (n *Node) isCurrent(lc *liveConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[lc.peer.Addr] == lc
}

// release tells the coordinator that p's address is no longer connected.
// The coordinator never blocks on the node, so this does not deadlock
// when called from the event consumer.
func (n *Node) release(ctx context.Context, p dpeer.ID) {
	err := n.cmds.DropConnection(ctx, p)
	if err != nil && ctx.Err() == nil && !errors.Is(err, dhs.ErrChannelClosed) {
		n.log.Warn("Failed to release address", "peer", p, "err", err)
	}
}

func (n *Node) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, lc := range n.conns {
		n.removeLocked(lc, "shutting down")
	}
}
