/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package shutdown implements spec §4.6's graceful-shutdown coordinator,
// generalizing the teacher's Server.Shutdown/closeIdleConns polling loop
// (src/http/server.go) from "close idle net.Conns" to "wait for the
// channel-owned exchange to leave HANDLING", since this module's
// Channel, not a central Server, owns each exchange's lifecycle.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-http/channel/internal/log"
)

// trackable is the subset of *channel.Channel the coordinator needs.
// Declared locally (rather than importing the channel package) so
// shutdown has no dependency on the glue package it supervises —
// channel already depends on nothing here, and a cycle would force an
// artificial split.
type trackable interface {
	IsIdle() bool
	Abort(cause error)
}

// Coordinator tracks the open Channels on a listener and drains them on
// Shutdown (spec §4.6).
type Coordinator struct {
	log          log.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	stopping bool
	set      map[trackable]struct{}

	stoppingGauge prometheus.Gauge
}

// New builds a Coordinator. reg, if non-nil, registers a
// channel_shutdown_pending gauge reporting how many tracked channels are
// not yet idle while Shutdown polls (SPEC_FULL §0.2).
func New(logger log.Logger, reg prometheus.Registerer) *Coordinator {
	if logger == nil {
		logger = log.Nop
	}
	c := &Coordinator{
		log:          logger,
		pollInterval: 50 * time.Millisecond,
		set:          make(map[trackable]struct{}),
	}
	if reg != nil {
		c.stoppingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channel_shutdown_pending",
			Help: "Number of channels still in flight during a graceful shutdown; 0 when not stopping.",
		})
		reg.MustRegister(c.stoppingGauge)
	}
	return c
}

// Track registers ch so Shutdown waits for it. Track after Shutdown has
// begun is a caller error (spec §4.6 step 1: "refuse new connections")
// and is logged rather than silently accepted.
func (c *Coordinator) Track(ch trackable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		c.log.Warnw("shutdown: Track called after Shutdown began")
		return
	}
	c.set[ch] = struct{}{}
}

// Untrack removes ch, e.g. once its connection has fully closed.
func (c *Coordinator) Untrack(ch trackable) {
	c.mu.Lock()
	delete(c.set, ch)
	c.mu.Unlock()
}

// Stopping reports whether Shutdown has been called (spec §4.6 step 2:
// new on_request calls must respond with Connection: close).
func (c *Coordinator) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Shutdown refuses new exchanges, then polls the tracked set until every
// Channel reports IsIdle or ctx's deadline passes, then aborts whatever
// remains (spec §4.6). The returned slice lists the Channels still
// active at the deadline, if any.
func (c *Coordinator) Shutdown(ctx context.Context) ([]trackable, error) {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		remaining := c.activeSet()
		if c.stoppingGauge != nil {
			c.stoppingGauge.Set(float64(len(remaining)))
		}
		if len(remaining) == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			c.abortAll(remaining)
			if c.stoppingGauge != nil {
				c.stoppingGauge.Set(0)
			}
			return remaining, ctx.Err()
		case <-ticker.C:
		}
	}
}

// activeSet returns the tracked Channels not currently IsIdle.
func (c *Coordinator) activeSet() []trackable {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]trackable, 0, len(c.set))
	for ch := range c.set {
		if !ch.IsIdle() {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Coordinator) abortAll(remaining []trackable) {
	cause := context.DeadlineExceeded
	for _, ch := range remaining {
		ch.Abort(cause)
	}
	c.log.Warnw("shutdown: stop_timeout elapsed with exchanges still active", "count", len(remaining))
}
