package main

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gordian-engine/dragongate"
	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dconn/dconnmem"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dquic"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type simNode struct {
	name    string
	gateway bool

	node   *dragongate.Node
	events chan dragongate.Event

	// Set once the node's own join has finished.
	outcome string
}

// Outcomes of a node's join.
const (
	outcomeAdmitted = "admitted"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
)

func runSingleProcess(
	ctx context.Context, log *slog.Logger, cfg simConfig, reg prometheus.Registerer,
) error {
	nodeCtx, cancel := context.WithCancel(ctx)

	var (
		mem     *dconnmem.Network
		closers []func()
	)
	if cfg.transport == transportMem {
		mem = dconnmem.NewNetwork()
	}

	keys := rand.NewChaCha8(seedBytes(cfg.seed))
	rng := rand.New(rand.NewPCG(cfg.seed, 1))

	total := cfg.gateways + cfg.nodes
	nodes := make([]*simNode, 0, total)
	defer func() {
		cancel()
		for _, sn := range nodes {
			sn.node.Wait()
		}
		for _, c := range closers {
			c()
		}
	}()

	for i := range total {
		sn := &simNode{gateway: i < cfg.gateways}
		if sn.gateway {
			sn.name = fmt.Sprintf("gateway-%d", i)
		} else {
			sn.name = fmt.Sprintf("node-%d", i-cfg.gateways)
		}

		var keySeed [ed25519.SeedSize]byte
		_, _ = keys.Read(keySeed[:])
		key := ed25519.NewKeyFromSeed(keySeed[:])

		var (
			self dpeer.ID
			tr   dconn.Transport
		)
		switch cfg.transport {
		case transportMem:
			self = dpeer.NewID(key.Public().(ed25519.PublicKey), sn.name+".sim:0")
			t := mem.NewTransport(self)
			closers = append(closers, t.Close)
			tr = t
		case transportQUIC:
			t, err := newQUICTransport(nodeCtx, log.With("node", sn.name), key)
			if err != nil {
				return fmt.Errorf("failed to create transport for %s: %w", sn.name, err)
			}
			closers = append(closers, t.Wait)
			self = t.Self()
			tr = t
		}

		sn.events = make(chan dragongate.Event, 256)
		sn.node = dragongate.NewNode(nodeCtx, log.With("node", sn.name), dragongate.NodeConfig{
			Self:      self,
			Transport: tr,
			Ring: dring.Config{
				MaxConnections:          cfg.maxConnections,
				MinConnections:          cfg.minConnections,
				RandomPeerConnThreshold: cfg.rndIfHTLAbove,
				RNG:                     rand.New(rand.NewPCG(cfg.seed, uint64(i)+2)),
			},
			MaxHopsToLive: cfg.ringMaxHTL,
			Metrics:       prometheus.WrapRegistererWith(prometheus.Labels{"node": sn.name}, reg),
			Events:        sn.events,
		})
		nodes = append(nodes, sn)
	}

	start := time.Now()

	// Gateways form the core first, one at a time, through the first gateway.
	nodes[0].outcome = outcomeSkipped
	for _, sn := range nodes[1:cfg.gateways] {
		outcome, err := join(nodeCtx, log, cfg, sn, nodes[0])
		if err != nil {
			return err
		}
		sn.outcome = outcome
	}

	// Pick gateways up front: the RNG is not safe for concurrent use.
	gws := make([]*simNode, cfg.nodes)
	for i := range gws {
		gws[i] = nodes[rng.IntN(cfg.gateways)]
	}

	eg, egCtx := errgroup.WithContext(nodeCtx)
	for i, sn := range nodes[cfg.gateways:] {
		gw := gws[i]
		eg.Go(func() error {
			outcome, err := join(egCtx, log, cfg, sn, gw)
			if err != nil {
				return err
			}
			sn.outcome = outcome
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	connected := awaitConnected(ctx, cfg, nodes)
	elapsed := time.Since(start)

	report(cfg, nodes, elapsed)

	want := requiredConnected(cfg.connectedFraction, len(nodes))
	if connected < want {
		return fmt.Errorf(
			"only %d of %d nodes connected after %s (wanted %d)",
			connected, len(nodes), cfg.waitDuration, want,
		)
	}

	log.Info("Simulation finished", "connected", connected, "elapsed", elapsed)
	return nil
}

// join runs one admission of sn through gw and reports its outcome.
// A join that merely fails is an outcome;
// the returned error is set only when the simulation itself is interrupted
// or the node has stopped.
func join(ctx context.Context, log *slog.Logger, cfg simConfig, sn, gw *simNode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("interrupted before %s joined: %w", sn.name, context.Cause(ctx))
	}

	joinCtx, cancel := context.WithTimeout(ctx, cfg.waitDuration)
	defer cancel()

	tx, err := sn.node.Join(joinCtx, gw.node.Self())
	if err != nil {
		if errors.Is(err, dragongate.ErrStopped) {
			return "", fmt.Errorf("node %s stopped: %w", sn.name, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("interrupted while %s was joining: %w", sn.name, context.Cause(ctx))
		}
		log.Warn("Failed to start join", "node", sn.name, "gateway", gw.name, "err", err)
		return outcomeFailed, nil
	}

	ev, err := awaitOutcome(joinCtx, sn.events, tx)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("interrupted while %s was joining: %w", sn.name, context.Cause(ctx))
		}
		log.Warn("Join did not finish", "node", sn.name, "gateway", gw.name, "err", err)
		return outcomeFailed, nil
	}

	switch ev := ev.(type) {
	case dragongate.OutboundGatewayConnectionSuccessful:
		log.Debug("Joined", "node", sn.name, "gateway", gw.name, "accepted", ev.Accepted)
		return outcomeAdmitted, nil
	case dragongate.OutboundGatewayConnectionRejected:
		log.Info("Join rejected", "node", sn.name, "gateway", gw.name)
		return outcomeRejected, nil
	default:
		log.Info("Join failed", "node", sn.name, "gateway", gw.name, "event", fmt.Sprintf("%T", ev))
		return outcomeFailed, nil
	}
}

func awaitOutcome(ctx context.Context, ch <-chan dragongate.Event, tx dtx.ID) (dragongate.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case ev := <-ch:
			if ev.Transaction() == tx && dragongate.IsTerminal(ev) {
				return ev, nil
			}
		}
	}
}

// awaitConnected polls the nodes until enough of them hold a connection
// or the wait duration elapses, and returns the number of connected nodes.
func awaitConnected(ctx context.Context, cfg simConfig, nodes []*simNode) int {
	want := requiredConnected(cfg.connectedFraction, len(nodes))

	timer := time.NewTimer(cfg.waitDuration)
	defer timer.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		n := countConnected(nodes)
		if n >= want {
			return n
		}

		select {
		case <-ctx.Done():
			return n
		case <-timer.C:
			return countConnected(nodes)
		case <-tick.C:
		}
	}
}

func requiredConnected(fraction float64, total int) int {
	return max(1, int(math.Ceil(fraction*float64(total))))
}

func countConnected(nodes []*simNode) int {
	var n int
	for _, sn := range nodes {
		if sn.node.NumConnections() > 0 {
			n++
		}
	}
	return n
}

func report(cfg simConfig, nodes []*simNode, elapsed time.Duration) {
	counts := make(map[string]int)
	var conns int

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tJOIN\tCONNECTIONS")
	for _, sn := range nodes {
		n := sn.node.NumConnections()
		conns += n
		counts[sn.outcome]++
		fmt.Fprintf(w, "%s\t%s\t%d\n", sn.name, sn.outcome, n)
	}
	_ = w.Flush()

	fmt.Printf(
		"\nsimulation %s (seed %d): %d admitted, %d rejected, %d failed; "+
			"%d connections, %.2f per node; %s\n",
		cfg.name, cfg.seed,
		counts[outcomeAdmitted], counts[outcomeRejected], counts[outcomeFailed],
		conns/2, float64(conns)/float64(len(nodes)),
		elapsed.Round(time.Millisecond),
	)
}

func newQUICTransport(ctx context.Context, log *slog.Logger, key ed25519.PrivateKey) (*dquic.Transport, error) {
	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	t, err := dquic.NewTransport(ctx, log, dquic.Config{
		UDPConn: uc,
		Key:     key,
		QUIC:    dquic.DefaultQUICConfig(),
	})
	if err != nil {
		_ = uc.Close()
		return nil, err
	}
	return t, nil
}

func seedBytes(seed uint64) [32]byte {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	return b
}
