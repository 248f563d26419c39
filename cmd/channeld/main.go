/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command channeld is the demonstration binary for netserver: it wires a
// channel.Handler (an echo service plus a few routes exercising the
// options spec.md describes) onto a real net.Listener and serves until
// signaled. It exists to prove the channel/netserver/shutdown stack
// assembles into a running server, the way the teacher's th/testing
// harness proves the conn/Server stack does — it is not itself part of
// the channel's public surface.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-http/channel/channel"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/netserver"
	"github.com/kestrel-http/channel/request"
	"github.com/kestrel-http/channel/response"
	"github.com/kestrel-http/channel/shutdown"
)

// Config is channeld's command-line/environment configuration.
type Config struct {
	Addr        string        `long:"addr" env:"CHANNELD_ADDR" default:":8080" description:"TCP address to listen on"`
	IdleTimeout time.Duration `long:"idle-timeout" env:"CHANNELD_IDLE_TIMEOUT" default:"60s" description:"per-connection idle timeout"`
	StopTimeout time.Duration `long:"stop-timeout" env:"CHANNELD_STOP_TIMEOUT" default:"10s" description:"graceful shutdown drain bound"`
	MetricsAddr string        `long:"metrics-addr" env:"CHANNELD_METRICS_ADDR" default:":9090" description:"address to serve /metrics on; empty disables it"`
}

func main() {
	var cfg Config
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}

	logger, err := log.NewZap()
	if err != nil {
		fmt.Fprintln(os.Stderr, "channeld: building logger:", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := channel.NewMetrics(reg)
	coord := shutdown.New(logger, reg)

	opts := channel.DefaultOptions
	opts.IdleTimeout = cfg.IdleTimeout
	opts.StopTimeout = cfg.StopTimeout

	srv := netserver.New(echoAndRoutes, opts, logger, metrics, coord)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Errorw("channeld: listen failed", "addr", cfg.Addr, "cause", err)
		os.Exit(1)
	}
	logger.Infow("channeld: listening", "addr", cfg.Addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("channeld: caught signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("channeld: Serve exited", "cause", err)
		return
	}

	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnw("channeld: shutdown deadline exceeded, exchanges force-aborted", "cause", err)
	}
}

// echoAndRoutes is channeld's demonstration Handler: it routes by method
// and target the way a hand-rolled mux would, without pulling in a
// routing library the spec's scope never asked for.
func echoAndRoutes(req *request.Request, resp *response.Response) bool {
	switch {
	case req.Metadata.Target == "/ping":
		resp.SetStatus(200)
		resp.SetContentType("text/plain; charset=utf-8")
		resp.Write(true, nil, []byte("pong\n"))
		return true

	case req.Metadata.Target == "/echo" && req.Metadata.Method == "POST":
		body, err := req.ReadAll(context.Background())
		if err != nil {
			resp.SetStatus(400)
			resp.SetContentType("text/plain; charset=utf-8")
			resp.Write(true, nil, []byte(err.Error()))
			return true
		}
		resp.SetStatus(200)
		resp.SetContentType("application/octet-stream")
		resp.Write(true, nil, body)
		return true

	default:
		return false
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) {
	// The metrics endpoint is deliberately served by net/http rather than
	// this module's own channel, the way a production deployment keeps
	// its operational surface independent from the thing it measures.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnw("channeld: metrics listener exited", "cause", err)
	}
}
