// Command dragongate-sim runs a simulated network of dragongate nodes
// and reports how well the nodes were admitted into the overlay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags(flag.CommandLine, os.Args[1:])
	if err := cfg.validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.logLevel,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.seed == 0 {
		cfg.seed = rand.Uint64()
	}
	if cfg.name == "" {
		cfg.name = randomName(rand.New(rand.NewPCG(cfg.seed, 0)))
	}

	log.Info(
		"Starting simulation",
		"name", cfg.name, "seed", cfg.seed, "mode", cfg.mode, "transport", cfg.transport,
		"gateways", cfg.gateways, "nodes", cfg.nodes,
	)

	reg := prometheus.NewRegistry()
	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	switch cfg.mode {
	case modeSingleProcess:
		return runSingleProcess(ctx, log, cfg, reg)
	default:
		// validate only admits known modes.
		return fmt.Errorf("mode %q is not implemented", cfg.mode)
	}
}

func randomName(rng *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"

	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[rng.IntN(len(alphabet))]
	}
	return string(b)
}
