// ABOUTME: Standalone bot-side tunnel runner: connects a local HTTP service to a relay.
// ABOUTME: Usage: bot-tunnel -relay wss://relay.example.com/ws/tunnel -bot myphone -local http://127.0.0.1:8420

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwolfe502/pacbot-relay/internal/tunnel"
)

func main() {
	relayURL := flag.String("relay", "", "Relay websocket URL (e.g. wss://relay.example.com/ws/tunnel)")
	secret := flag.String("secret", os.Getenv("RELAY_SECRET"), "Shared relay secret (or RELAY_SECRET env)")
	identity := flag.String("bot", "", "Bot identity for /<bot>/... routing")
	localURL := flag.String("local", "http://127.0.0.1:8420", "Local HTTP service base URL")
	workers := flag.Int("workers", 4, "Concurrent envelope forwarding workers")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*relayURL, *secret, *identity, *localURL, *workers, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(relayURL, secret, identity, localURL string, workers int, debug bool) error {
	if relayURL == "" {
		return fmt.Errorf("-relay is required")
	}
	if secret == "" {
		return fmt.Errorf("-secret (or RELAY_SECRET) is required")
	}
	if identity == "" {
		return fmt.Errorf("-bot is required")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := tunnel.NewClient(tunnel.Options{
		RelayURL:     relayURL,
		Secret:       secret,
		Identity:     identity,
		LocalBaseURL: localURL,
		Workers:      workers,
		Logger:       logger,
	})

	logger.Info("starting tunnel", "relay", relayURL, "bot", identity, "local", localURL)
	client.Start()

	<-ctx.Done()
	logger.Info("shutting down tunnel")
	client.Stop()
	return nil
}
