package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/internal/dhs"
)

const (
	modeSingleProcess = "single-process"
	modeMultiProcess  = "multi-process"
	modeNetwork       = "network"

	transportMem  = "mem"
	transportQUIC = "quic"
)

type simConfig struct {
	name string
	seed uint64

	gateways int
	nodes    int

	ringMaxHTL     int
	rndIfHTLAbove  int
	maxConnections int
	minConnections int

	waitDuration time.Duration

	// Fraction of nodes that must hold a connection
	// before the network counts as connected.
	connectedFraction float64

	mode      string
	transport string

	metricsAddr string
	logLevel    slog.Level
}

func parseFlags(fs *flag.FlagSet, args []string) simConfig {
	var c simConfig

	fs.StringVar(&c.name, "name", "", "simulation name (random if empty)")
	fs.Uint64Var(&c.seed, "seed", 0, "seed for generated identities and choices (random if zero)")

	fs.IntVar(&c.gateways, "gateways", 2, "number of gateways")
	fs.IntVar(&c.nodes, "nodes", 10, "number of regular nodes")

	fs.IntVar(&c.ringMaxHTL, "ring-max-htl", dhs.DefaultMaxHopsToLive, "max hops to live for join requests")
	fs.IntVar(&c.rndIfHTLAbove, "rnd-if-htl-above", dring.DefaultRandomPeerConnThreshold, "choose random candidates while hops to live is above this")
	fs.IntVar(&c.maxConnections, "max-connections", dring.DefaultMaxConnections, "maximum connections per node")
	fs.IntVar(&c.minConnections, "min-connections", dring.DefaultMinConnections, "minimum connections per node")

	fs.DurationVar(&c.waitDuration, "wait-duration", 15*time.Second, "how long to wait for the network to connect")
	fs.Float64Var(&c.connectedFraction, "connected-fraction", 0.2, "fraction of nodes that must be connected")

	fs.StringVar(&c.mode, "mode", modeSingleProcess, "execution mode: single-process, multi-process, network")
	fs.StringVar(&c.transport, "transport", transportMem, "transport for single-process mode: mem or quic")

	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (disabled if empty)")
	fs.TextVar(&c.logLevel, "log-level", slog.LevelInfo, "log level")

	// The default flag set exits on error.
	_ = fs.Parse(args)

	return c
}

func (c simConfig) validate() error {
	var err error

	if c.gateways < 1 {
		err = errors.Join(err, fmt.Errorf("-gateways must be at least 1 (got %d)", c.gateways))
	}
	if c.nodes < 0 {
		err = errors.Join(err, fmt.Errorf("-nodes must not be negative (got %d)", c.nodes))
	}
	if c.ringMaxHTL < 1 || c.ringMaxHTL > 255 {
		err = errors.Join(err, fmt.Errorf("-ring-max-htl must be in [1, 255] (got %d)", c.ringMaxHTL))
	}
	if c.maxConnections < 1 {
		err = errors.Join(err, fmt.Errorf("-max-connections must be positive (got %d)", c.maxConnections))
	}
	if c.minConnections < 1 || c.minConnections > c.maxConnections {
		err = errors.Join(err, fmt.Errorf(
			"-min-connections must be in [1, max-connections] (got %d)", c.minConnections,
		))
	}
	if c.waitDuration <= 0 {
		err = errors.Join(err, fmt.Errorf("-wait-duration must be positive (got %s)", c.waitDuration))
	}
	if c.connectedFraction <= 0 || c.connectedFraction > 1 {
		err = errors.Join(err, fmt.Errorf(
			"-connected-fraction must be in (0, 1] (got %v)", c.connectedFraction,
		))
	}

	switch c.mode {
	case modeSingleProcess:
	case modeMultiProcess, modeNetwork:
		err = errors.Join(err, fmt.Errorf("mode %q is not implemented", c.mode))
	default:
		err = errors.Join(err, fmt.Errorf("unknown mode %q", c.mode))
	}

	switch c.transport {
	case transportMem, transportQUIC:
	default:
		err = errors.Join(err, fmt.Errorf("unknown transport %q", c.transport))
	}

	return err
}
