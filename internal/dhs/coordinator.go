// Package dhs contains the handshake coordinator:
// the single owner of every in-flight connection negotiation on a node.
//
// The coordinator runs one main loop.
// Dials, reads, and writes run in goroutines that report back to that loop,
// so no negotiation state is ever touched concurrently.
package dhs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CoordinatorConfig is the configuration for [NewCoordinator].
type CoordinatorConfig struct {
	// Source of raw connections. Required.
	Transport dconn.Transport

	// Shared ring, consulted for acceptance and candidate selection.
	// The coordinator only takes read locks. Required.
	Ring *dring.Handle

	// Hop budget for join requests this node originates or serves as gateway,
	// and the number of acceptance checks for its own admissions.
	// Defaults to [DefaultMaxHopsToLive].
	MaxHopsToLive int

	// When admissions through a gateway are finalized.
	Policy FinalizationPolicy

	// How long a join transaction is remembered after it is first seen,
	// so that a request arriving again through a cycle is rejected
	// instead of forwarded.
	// Defaults to [DefaultRecentJoinTTL].
	RecentJoinTTL time.Duration

	// Maximum number of remembered join transactions.
	// Defaults to [DefaultRecentJoinCacheSize].
	RecentJoinCacheSize int

	// How long an accept vote is honored when the joiner later dials directly.
	// Defaults to [DefaultReservationTTL].
	ReservationTTL time.Duration

	// Collectors to update. If nil, unregistered collectors are created.
	Metrics *Metrics
}

const (
	DefaultMaxHopsToLive       = 10
	DefaultRecentJoinTTL       = time.Minute
	DefaultRecentJoinCacheSize = 4096
	DefaultReservationTTL      = 30 * time.Second
)

func (c *CoordinatorConfig) setDefaults() {
	if c.MaxHopsToLive == 0 {
		c.MaxHopsToLive = DefaultMaxHopsToLive
	}
	if c.RecentJoinTTL == 0 {
		c.RecentJoinTTL = DefaultRecentJoinTTL
	}
	if c.RecentJoinCacheSize == 0 {
		c.RecentJoinCacheSize = DefaultRecentJoinCacheSize
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

func (c CoordinatorConfig) validate() {
	var err error

	if c.Transport == nil {
		err = errors.Join(err, errors.New("Transport must not be nil"))
	}
	if c.Ring == nil {
		err = errors.Join(err, errors.New("Ring must not be nil"))
	}
	if c.MaxHopsToLive < 1 || c.MaxHopsToLive > 255 {
		err = errors.Join(err, fmt.Errorf(
			"MaxHopsToLive must be in [1, 255] (got %d)", c.MaxHopsToLive,
		))
	}
	if c.Policy.EarlyAcceptVotes < 0 || c.Policy.EarlyAcceptVotes > c.MaxHopsToLive {
		err = errors.Join(err, fmt.Errorf(
			"Policy.EarlyAcceptVotes must be in [0, MaxHopsToLive] (got %d)",
			c.Policy.EarlyAcceptVotes,
		))
	}
	if c.RecentJoinTTL < 0 {
		err = errors.Join(err, fmt.Errorf(
			"RecentJoinTTL must not be negative (got %s)", c.RecentJoinTTL,
		))
	}
	if c.RecentJoinCacheSize < 0 {
		err = errors.Join(err, fmt.Errorf(
			"RecentJoinCacheSize must not be negative (got %d)", c.RecentJoinCacheSize,
		))
	}
	if c.ReservationTTL < 0 {
		err = errors.Join(err, fmt.Errorf(
			"ReservationTTL must not be negative (got %s)", c.ReservationTTL,
		))
	}

	if err != nil {
		panic(err)
	}
}

// Coordinator owns every connection negotiation on a node.
type Coordinator struct {
	log *slog.Logger

	self      dpeer.ID
	transport dconn.Transport
	ring      *dring.Handle

	maxHTL uint8
	policy FinalizationPolicy

	m *Metrics

	events   chan Event
	commands chan Command
	mailbox  chan OutboundMessage
	internal chan internalEvent

	// Everything below is owned by the main loop.

	// Transitions produced while handling an event,
	// drained before the loop selects again.
	followUps []internalEvent

	// Events not yet accepted by the consumer.
	outQueue []Event

	connecting   map[string]map[dtx.ID]*outboundAttempt
	connected    map[string]struct{}
	trackers     map[dtx.ID]*trackerState
	inboundJoins map[dtx.ID]*gatewayAdmission
	transients   map[dtx.ID]*transientState
	forwards     map[dtx.ID]*forwardState
	pending      map[pendingKey]*pendingConn

	recentJoins  *expirable.LRU[dtx.ID, struct{}]
	reservations *expirable.LRU[dpeer.PublicKey, dtx.ID]

	// Goroutines started by the coordinator.
	wg sync.WaitGroup

	done chan struct{}
}

// NewCoordinator returns a running coordinator.
// It panics if cfg is invalid.
// The coordinator stops when ctx is canceled.
func NewCoordinator(ctx context.Context, log *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	cfg.setDefaults()
	cfg.validate()

	var self dpeer.ID
	cfg.Ring.Read(func(r dring.Router) {
		self = r.Self()
	})

	c := &Coordinator{
		log: log,

		self:      self,
		transport: cfg.Transport,
		ring:      cfg.Ring,

		maxHTL: uint8(cfg.MaxHopsToLive),
		policy: cfg.Policy,

		m: cfg.Metrics,

		// Arbitrarily sized; the loop never blocks on events,
		// it queues them internally.
		events: make(chan Event, 16),

		commands: make(chan Command, 8),
		mailbox:  make(chan OutboundMessage, 8),
		internal: make(chan internalEvent, 64),

		connecting:   make(map[string]map[dtx.ID]*outboundAttempt),
		connected:    make(map[string]struct{}),
		trackers:     make(map[dtx.ID]*trackerState),
		inboundJoins: make(map[dtx.ID]*gatewayAdmission),
		transients:   make(map[dtx.ID]*transientState),
		forwards:     make(map[dtx.ID]*forwardState),
		pending:      make(map[pendingKey]*pendingConn),

		recentJoins: expirable.NewLRU[dtx.ID, struct{}](
			cfg.RecentJoinCacheSize, nil, cfg.RecentJoinTTL,
		),
		reservations: expirable.NewLRU[dpeer.PublicKey, dtx.ID](
			cfg.RecentJoinCacheSize, nil, cfg.ReservationTTL,
		),

		done: make(chan struct{}),
	}

	c.wg.Add(2)
	go c.mainLoop(ctx)
	go c.acceptLoop(ctx)

	return c
}

// Events returns the channel of negotiation outcomes.
// The channel is closed when the coordinator stops.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Commands returns the handle for submitting commands.
func (c *Coordinator) Commands() Commands {
	return Commands{ch: c.commands, done: c.done}
}

// Mailbox returns the handle for routing messages
// onto unpromoted connections.
func (c *Coordinator) Mailbox() Mailbox {
	return Mailbox{ch: c.mailbox, done: c.done}
}

// Self is the local identity taken from the ring at construction.
func (c *Coordinator) Self() dpeer.ID {
	return c.self
}

// Done returns a channel that is closed once the main loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the main loop and every goroutine it started have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) mainLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)
	defer c.shutdown()

	for {
		for len(c.followUps) > 0 {
			ev := c.followUps[0]
			c.followUps[0] = nil
			c.followUps = c.followUps[1:]
			c.handleInternal(ctx, ev)
		}

		c.observeTables()

		var out chan<- Event
		var next Event
		if len(c.outQueue) > 0 {
			out = c.events
			next = c.outQueue[0]
		}

		select {
		case <-ctx.Done():
			c.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case cmd := <-c.commands:
			c.handleCommand(ctx, cmd)

		case om := <-c.mailbox:
			c.deliver(om.Addr, om.Msg)

		case ev := <-c.internal:
			c.handleInternal(ctx, ev)

		case out <- next:
			c.outQueue[0] = nil
			c.outQueue = c.outQueue[1:]
		}
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("Stopped accepting connections", "err", err)
			}
			return
		}

		c.wg.Add(1)
		go c.readFirstMessage(ctx, conn)
	}
}

// readFirstMessage reads the message that determines
// which negotiation an accepted connection belongs to.
func (c *Coordinator) readFirstMessage(ctx context.Context, conn dconn.Conn) {
	defer c.wg.Done()

	msg, err := conn.Recv(ctx)
	if !c.post(ctx, inboundFirstMessage{Conn: conn, Msg: msg, Err: err}) {
		_ = conn.Close("shutting down")
	}
}

// post delivers ev to the main loop from another goroutine.
// It reports false if the coordinator stopped first.
func (c *Coordinator) post(ctx context.Context, ev internalEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case c.internal <- ev:
		return true
	}
}

// followUp queues ev to be handled before the loop selects again.
func (c *Coordinator) followUp(ev internalEvent) {
	c.followUps = append(c.followUps, ev)
}

// emit queues e for the consumer.
func (c *Coordinator) emit(e Event) {
	c.m.Events.WithLabelValues(eventName(e)).Inc()
	c.outQueue = append(c.outQueue, e)
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd Command) {
	switch cmd := cmd.(type) {
	case EstablishCommand:
		c.establish(ctx, cmd.Peer, cmd.Tx, cmd.IsGateway)
	case DroppedCommand:
		c.handleDropped(cmd.Peer)
	default:
		panic(fmt.Errorf("BUG: unhandled command type %T", cmd))
	}
}

func (c *Coordinator) handleInternal(ctx context.Context, ev internalEvent) {
	switch ev := ev.(type) {
	case dialResult:
		c.handleDialResult(ctx, ev)
	case childDialResult:
		c.handleChildDialResult(ctx, ev)
	case inboundFirstMessage:
		c.handleInboundFirstMessage(ctx, ev)
	case inboundMessage:
		c.handleInboundMessage(ctx, ev)
	case writeFailed:
		c.handleWriteFailed(ev)
	case pendingReleased:
		c.handlePendingReleased(ev)

	case outboundConnEstablished:
		c.handleOutboundConnEstablished(ev)
	case outboundGwConnEstablished:
		c.handleOutboundGwConnEstablished(ctx, ev)
	case outboundConnFailed:
		c.handleOutboundConnFailed(ev)
	case remoteConnectionAttempt:
		c.handleRemoteConnectionAttempt(ctx, ev)
	case nextCheck:
		c.handleNextCheck(ctx, ev)
	case outboundGwConnConfirmed:
		c.handleOutboundGwConnConfirmed(ev)
	case inboundGwJoinRequest:
		c.handleInboundGwJoinRequest(ctx, ev)
	case inboundConnAttempt:
		c.handleInboundConnAttempt(ev)
	case dropInboundConnection:
		c.handleDropInboundConnection(ev)
	case finishedOutboundConnProcess:
		c.handleFinishedOutboundConnProcess(ev)

	default:
		panic(fmt.Errorf("BUG: unhandled internal event type %T", ev))
	}
}

func (c *Coordinator) observeTables() {
	nConnecting := 0
	for _, byTx := range c.connecting {
		nConnecting += len(byTx)
	}

	c.m.InFlight.WithLabelValues(kindOutbound).Set(float64(nConnecting))
	c.m.InFlight.WithLabelValues(kindTracker).Set(float64(len(c.trackers)))
	c.m.InFlight.WithLabelValues(kindGateway).Set(float64(len(c.inboundJoins)))
	c.m.InFlight.WithLabelValues(kindTransient).Set(float64(len(c.transients)))
	c.m.InFlight.WithLabelValues(kindForward).Set(float64(len(c.forwards)))
	c.m.InFlight.WithLabelValues(kindPending).Set(float64(len(c.pending)))
}

// shutdown releases everything the loop still owns.
// Goroutines blocked on posting observe the canceled context and exit.
func (c *Coordinator) shutdown() {
	for _, byTx := range c.connecting {
		for _, att := range byTx {
			att.cancelDial(errShuttingDown)
		}
	}
	for _, fs := range c.forwards {
		for _, ch := range fs.children {
			if ch.cancelDial != nil {
				ch.cancelDial(errShuttingDown)
			}
		}
	}
	for _, pc := range c.pending {
		pc.cancel(errShuttingDown)
		_ = pc.conn.Close("shutting down")
	}

	// Connections in undelivered events have no owner anymore.
	for _, e := range c.outQueue {
		if conn := eventConn(e); conn != nil {
			_ = conn.Close("shutting down")
		}
	}
	c.outQueue = nil

	close(c.events)
}

var errShuttingDown = errors.New("coordinator shutting down")
