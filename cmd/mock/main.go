// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/api"
	"github.com/nishisan-dev/startline-relay/internal/config"
	"github.com/nishisan-dev/startline-relay/internal/logging"
	"github.com/nishisan-dev/startline-relay/internal/mock"
)

func main() {
	listen := flag.String("listen", "0.0.0.0:8000", "listen address for WS/REST")
	packsDir := flag.String("packs-dir", "./data/session_packs", "session packs directory")
	replayPack := flag.String("replay", "", "replay this session pack instead of generating")
	publish := flag.Bool("publish", false, "act as a fake upstream ZMQ publisher")
	positionEndpoint := flag.String("position-endpoint", "tcp://127.0.0.1:5000", "position PUB endpoint (with -publish)")
	gateEndpoint := flag.String("gate-endpoint", "tcp://127.0.0.1:5001", "gate PUB endpoint (with -publish)")
	seed := flag.Int64("seed", 0, "fleet random seed (0 = clock)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, logCloser := logging.NewLogger(*logLevel, "text", "")
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if *publish {
		pub := mock.NewPublisher(mock.NewFleet(*seed), *positionEndpoint, *gateEndpoint, logger)
		if err := pub.Run(ctx); err != nil {
			logger.Error("publisher error", "error", err)
			os.Exit(1)
		}
		return
	}

	svc, err := mock.NewService(*packsDir, *seed, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock: %v\n", err)
		os.Exit(1)
	}

	if *replayPack != "" {
		go func() {
			if err := svc.Replay(ctx, *replayPack); err != nil {
				logger.Error("replay error", "error", err)
			}
			cancel()
		}()
	} else {
		go func() {
			if err := svc.Run(ctx); err != nil {
				logger.Error("generator error", "error", err)
			}
		}()
	}

	serverCfg := config.ServerInfo{
		Listen:      *listen,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if err := api.Run(ctx, serverCfg, svc, logger); err != nil {
		logger.Error("mock server error", "error", err)
		os.Exit(1)
	}
}
