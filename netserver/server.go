/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package netserver is reference TCP wiring demonstrating how to drive
// channel.Channel over a real net.Listener: accept, parse the request
// line/headers, hand them to a Channel, and pipeline subsequent
// exchanges on the same connection (spec §3, §9). The channel package
// itself never imports this one — a production embedder can wire the
// same Channel atop any transport (a QUIC stream, an in-process pipe
// for tests, a multiplexed proxy protocol) the way this package wires
// it atop net.Conn.
//
// Grounded in the teacher's Server/conn (types_server.go, conn.go):
// Serve's Accept loop and per-connection goroutine, and conn.serve's
// read-next-request pipelining loop, generalized from "run the request
// straight through" to "hand the parsed request to a Channel and run
// whatever Task comes back".
package netserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kestrel-http/channel/channel"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/bufpool"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/internal/wireerr"
	"github.com/kestrel-http/channel/request"
	"github.com/kestrel-http/channel/shutdown"
	"github.com/kestrel-http/channel/stream"
)

// Server listens on a net.Listener and drives one channel.Channel per
// accepted connection, generalizing the teacher's Server (types_server.go
// fields ReadTimeout/WriteTimeout/IdleTimeout/MaxHeaderBytes) into
// channel.Options plus the graceful-shutdown Coordinator this module
// adds atop it.
type Server struct {
	Handler channel.Handler
	Options channel.Options
	Logger  log.Logger
	Metrics *channel.Metrics
	Coord   *shutdown.Coordinator

	pool *bufpool.Pool

	wmu      sync.Mutex
	wrappers []stream.Wrapper
}

// New builds a Server. logger/metrics/coord may be nil; a nil coord
// disables graceful-shutdown bookkeeping (every exchange proceeds as if
// the server never stops).
func New(handler channel.Handler, opts channel.Options, logger log.Logger, metrics *channel.Metrics, coord *shutdown.Coordinator) *Server {
	if logger == nil {
		logger = log.Nop
	}
	return &Server{
		Handler: handler,
		Options: opts,
		Logger:  logger,
		Metrics: metrics,
		Coord:   coord,
		pool:    bufpool.New(32),
	}
}

// AddStreamWrapper registers a middleware applied to every Channel this
// Server creates from here on (spec §4.5).
func (s *Server) AddStreamWrapper(w stream.Wrapper) {
	s.wmu.Lock()
	s.wrappers = append(s.wrappers, w)
	s.wmu.Unlock()
}

// Serve accepts connections from ln until it returns a permanent error
// or the listener is closed by Shutdown, mirroring the teacher's
// Server.Serve accept-retry-with-backoff loop (types_server.go).
func (s *Server) Serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if max := time.Second; backoff > max {
					backoff = max
				}
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(rwc net.Conn) {
	defer rwc.Close()

	sc := stream.NewConn(rwc, s.pool, s.Logger)
	d := &connDriver{srv: s, rwc: rwc, sc: sc}
	sc.SetListener(d)

	opts := s.Options
	stopping := func() bool { return s.Coord != nil && s.Coord.Stopping() }
	ch := channel.New(sc, s.Handler, withDone(opts, d), s.Logger, s.Metrics, stopping)

	s.wmu.Lock()
	for _, w := range s.wrappers {
		ch.AddStreamWrapper(w)
	}
	s.wmu.Unlock()

	d.ch = ch
	if s.Coord != nil {
		s.Coord.Track(ch)
		defer s.Coord.Untrack(ch)
	}

	d.loop()
}

// withDone returns opts with OnExchangeDone wired to signal d, preserving
// any caller-supplied hook by chaining it first.
func withDone(opts channel.Options, d *connDriver) channel.Options {
	prev := opts.OnExchangeDone
	opts.OnExchangeDone = func(ch *channel.Channel) {
		if prev != nil {
			prev(ch)
		}
		d.notifyDone()
	}
	return opts
}

// connDriver owns one connection's read-next-request pipelining loop and
// implements stream.Listener for its Conn, generalizing the teacher's
// conn.serve (conn.go) keep-alive loop.
type connDriver struct {
	srv *Server
	rwc net.Conn
	sc  *stream.Conn
	ch  *channel.Channel

	done chan struct{}
}

func (d *connDriver) notifyDone() {
	if d.done != nil {
		close(d.done)
	}
}

// OnContentAvailable implements stream.Listener.
func (d *connDriver) OnContentAvailable() {
	d.ch.Run(d.ch.OnContentAvailable())
}

// OnStreamSucceeded implements stream.Listener. The Conn reaches it only
// through Conn.NotifySucceeded, which this driver never calls, so it is
// kept only to satisfy the interface.
func (d *connDriver) OnStreamSucceeded() {}

// OnStreamFailed implements stream.Listener: a read/write failure from
// the transport becomes a fatal exchange error (spec §7 "Stream
// failure").
func (d *connDriver) OnStreamFailed(cause error) {
	d.ch.Run(d.ch.OnError(wireerr.New(wireerr.StreamFailure, cause)))
}

// loop reads and drives exchanges serially on this connection until a
// framing error, a Connection: close, or EOF ends it (spec §3
// pipelining, §9 "one exchange HANDLING at a time per channel").
func (d *connDriver) loop() {
	for {
		meta, bodyReader, err := d.readRequest()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				d.srv.Logger.Warnw("netserver: malformed request, closing connection", "cause", err)
				d.writeBadRequest()
			}
			return
		}

		d.sc.Reset(bodyReader)
		d.done = make(chan struct{})

		d.ch.Run(d.ch.OnRequest(meta))
		<-d.done

		d.ch.OnCompleted()
		if d.ch.ShouldCloseConnection() {
			return
		}
	}
}

// readRequest parses the next request line and header block, and frames
// the body reader, generalizing conn.readRequest (conn.go) minus the
// teacher's timeout-deadline juggling, which this reference driver keeps
// simple by applying a single idle read deadline per request.
func (d *connDriver) readRequest() (request.Metadata, io.Reader, error) {
	if idle := d.srv.Options.IdleTimeout; idle > 0 {
		d.rwc.SetReadDeadline(time.Now().Add(idle))
	}

	full := wire.NewTextprotoReader(d.sc.Reader())
	rl, err := wire.ReadRequestLine(full)
	if err != nil {
		return request.Metadata{}, nil, err
	}
	d.rwc.SetReadDeadline(time.Time{})

	h, err := wire.ReadHeaderBlock(full)
	if err != nil {
		return request.Metadata{}, nil, wireerr.New(wireerr.Framing, err)
	}

	if rl.Proto.AtLeast(1, 1) {
		hosts := h[hdr.Host]
		if len(hosts) != 1 || !hdr.ValidHostHeader(hosts[0]) {
			return request.Metadata{}, nil, wireerr.New(wireerr.Framing, errBadHost)
		}
	}

	cl, err := wire.DetermineRequestBodyFraming(h)
	if err != nil {
		return request.Metadata{}, nil, wireerr.New(wireerr.Framing, err)
	}

	meta := request.Metadata{
		Method:        rl.Method,
		Target:        rl.Target,
		Proto:         rl.Proto,
		Header:        h,
		ContentLength: cl,
	}

	var body io.Reader
	switch {
	case cl == wire.Chunked:
		body = wire.NewChunkedReader(d.sc.Reader())
	case cl > 0:
		body = io.LimitReader(d.sc.Reader(), cl)
	}
	return meta, body, nil
}

func (d *connDriver) writeBadRequest() {
	const resp = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	d.rwc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(d.rwc, resp)
}

var errBadHost = errors.New("missing or invalid Host header")

// Shutdown stops accepting and waits for in-flight exchanges to drain,
// delegating to the Coordinator (spec §4.6). Callers are responsible for
// closing the net.Listener passed to Serve separately, the way the
// teacher's Shutdown closes its listeners before polling
// closeIdleConns (src/http/server.go).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Coord == nil {
		return nil
	}
	_, err := s.Coord.Shutdown(ctx)
	return err
}
