/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package channel glues the Stream, fsm.Machine, Request and Response
// together into the per-connection HTTP/1.x engine (spec §4.5). It
// accepts the stream's on_request/on_content_available/on_error/
// on_completed callbacks, runs the configured Handler, and drives the
// fsm.Machine's trampoline to completion, generalizing the teacher's
// conn.serve loop (conn.go) — which runs one request straight through on
// the calling goroutine — into the suspend/resume model spec §4.2 needs
// for async handlers.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/fsm"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/request"
	"github.com/kestrel-http/channel/response"
	"github.com/kestrel-http/channel/stream"
)

// Handler is the application contract (spec §6): returning true means
// the handler accepted responsibility for the exchange; false triggers
// default 404 generation, mirroring the teacher's ServeMux "not found"
// fallback (server_handler.go) generalized to a single function instead
// of a mux method.
type Handler func(*request.Request, *response.Response) bool

// Options collects spec §6's configurable options into one record
// passed at construction, replacing the teacher's globals-on-Server
// fields (types_server.go's ReadTimeout/WriteTimeout/MaxHeaderBytes/
// IdleTimeout) with an explicit value no component reaches for
// ambiently.
type Options struct {
	SendServerHeader  bool
	ServerHeaderValue string
	SendDateHeader    bool

	// ResponseBufferSize is carried in the record but no component reads
	// it; response buffering is bounded by OutputCommitThreshold.
	ResponseBufferSize int
	// OutputCommitThreshold bounds the uncommitted response buffer: once
	// more than this many bytes are pending, the response commits, and an
	// undeclared-length response switches to chunked (spec §4.2
	// "buffer-overflow ... commits and switches to chunked").
	OutputCommitThreshold int

	RequestHeaderSizeLimit int
	FormContentSizeLimit   int64
	FormKeyCountLimit      int

	IdleTimeout time.Duration
	StopTimeout time.Duration

	// MaxDrainBytes bounds the unconsumed-request-body drain on
	// completion (spec §7 "Content not consumed"); exceeding it forces
	// Connection: close instead of keep-alive.
	MaxDrainBytes int

	// Executor runs a Task asynchronously, standing in for spec §5's
	// "threads supplied by a shared pool". Defaults to `go f()`.
	Executor func(func())

	// ErrorBody renders the body of a generated error response (spec
	// §7: "500 with optional body from error hook"). Defaults to a
	// short line naming the error's Go type, the closest stand-in for
	// "the error class" available without a language-level exception
	// hierarchy.
	ErrorBody func(status int, cause error) []byte

	// OnExchangeDone, if set, is called once Run drives this Channel's
	// current exchange into fsm.Completed — whether that happens
	// synchronously inside the initial OnRequest's Run or later, from
	// an AsyncContext's Run on a different goroutine. A driver (e.g.
	// netserver) uses this to know when to call OnCompleted and read
	// the connection's next pipelined request.
	OnExchangeDone func(*Channel)
}

// DefaultOptions mirrors response.DefaultOptions' ambient-header choices
// plus conservative bounds on the remaining spec §6 options.
var DefaultOptions = Options{
	SendServerHeader:       true,
	ServerHeaderValue:      "kestrel",
	SendDateHeader:         true,
	ResponseBufferSize:     4096,
	OutputCommitThreshold:  4096,
	RequestHeaderSizeLimit: 1 << 20,
	FormContentSizeLimit:   10 << 20,
	FormKeyCountLimit:      1000,
	IdleTimeout:            60 * time.Second,
	StopTimeout:            10 * time.Second,
	MaxDrainBytes:          2 << 20,
}

func (o Options) responseOptions() response.Options {
	return response.Options{
		SendServerHeader:  o.SendServerHeader,
		ServerHeaderValue: o.ServerHeaderValue,
		SendDateHeader:    o.SendDateHeader,
		BufferSize:        o.OutputCommitThreshold,
	}
}

func (o Options) executor() func(func()) {
	if o.Executor != nil {
		return o.Executor
	}
	return func(f func()) { go f() }
}

func (o Options) errorBody(status int, cause error) []byte {
	if o.ErrorBody != nil {
		return o.ErrorBody(status, cause)
	}
	return defaultErrorBody(status, cause)
}

func defaultErrorBody(status int, cause error) []byte {
	if status == 404 {
		return []byte("404 page not found\n")
	}
	if cause == nil {
		return []byte(fmt.Sprintf("%d %s\n", status, wire.StatusText(status)))
	}
	return []byte(fmt.Sprintf("%d %s: %T\n", status, wire.StatusText(status), rootCause(cause)))
}

func rootCause(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// Channel is one connection's HTTP/1.x engine. It is reused serially
// across pipelined exchanges on the same connection (spec §3).
type Channel struct {
	base    stream.Stream
	handler Handler
	opts    Options
	log     log.Logger
	metrics *Metrics

	stopping func() bool

	wmu      sync.Mutex
	wrappers []stream.Wrapper

	m fsm.Machine

	mu             sync.Mutex
	req            *request.Request
	resp           *response.Response
	asyncStarted   bool
	failedCause    error
	forceCloseConn bool
	doneNotified   bool
}

// New builds a Channel driving h over base. stopping, if non-nil, is
// consulted on every OnRequest to implement spec §4.6 step 2 (graceful
// shutdown refusing new exchanges with Connection: close).
func New(base stream.Stream, h Handler, opts Options, logger log.Logger, metrics *Metrics, stopping func() bool) *Channel {
	if logger == nil {
		logger = log.Nop
	}
	return &Channel{base: base, handler: h, opts: opts, log: logger, metrics: metrics, stopping: stopping}
}

// AddStreamWrapper pushes a middleware factory onto this channel's
// wrapper stack (spec §4.5); it applies to every exchange from here on,
// innermost-added-first so later additions see the earlier ones' output.
func (c *Channel) AddStreamWrapper(w stream.Wrapper) {
	c.wmu.Lock()
	c.wrappers = append(c.wrappers, w)
	c.wmu.Unlock()
}

// OnRequest is the IDLE -> HANDLING entry point (spec §4.5). It builds
// the exchange's Request/Response over a freshly wrapped Stream and
// returns the Task the caller must run (normally via Run).
func (c *Channel) OnRequest(meta request.Metadata) fsm.Task {
	var resp *response.Response
	committed := func() bool { return resp != nil && resp.Committed() }
	wrapped := c.wrapStream(meta, committed)

	onFail := func(cause error) { c.fail(cause) }
	resp = response.New(wrapped, meta.Proto, c.opts.responseOptions(), c.log, onFail)
	req := request.New(meta, wrapped)

	closeReq := strings.EqualFold(hdr.TrimString(meta.Header.Get(hdr.Connection)), "close")
	closeStop := c.stopping != nil && c.stopping()
	if closeReq || closeStop {
		resp.ForceClose()
	}

	c.mu.Lock()
	c.req, c.resp = req, resp
	c.asyncStarted = false
	c.failedCause = nil
	c.forceCloseConn = closeReq || closeStop
	c.doneNotified = false
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.inflight.Inc()
	}
	return c.m.OnRequest()
}

// wrapStream applies this channel's wrapper stack on top of base for one
// exchange, innermost-first, then layers the Expect: 100-continue
// responder (spec §6) as the outermost wrapper so it sees every demand
// the application or a user Wrapper ultimately issues.
func (c *Channel) wrapStream(meta request.Metadata, committed func() bool) stream.Stream {
	c.wmu.Lock()
	ws := append([]stream.Wrapper(nil), c.wrappers...)
	c.wmu.Unlock()

	var s stream.Stream = c.base
	for _, w := range ws {
		s = w(s)
	}
	if wire.ExpectsContinue(meta.Header) {
		s = newExpectContinueStream(s, meta.Proto, committed)
	}
	return s
}

// OnContentAvailable is the stream reporting a demanded chunk is ready
// (spec §4.5). It always delivers to any armed Request demand directly
// (the synchronous blocking-read path does not go through the fsm at
// all) and separately feeds the fsm for the async-suspended path, whose
// Task the caller must Run.
func (c *Channel) OnContentAvailable() fsm.Task {
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	if req != nil {
		req.OnContentAvailable()
	}
	return c.m.ContentArrived()
}

// OnError is the stream (or an idle/stop timer) reporting a failure
// (spec §4.5, §5). It is serialized behind any in-flight handling task.
func (c *Channel) OnError(cause error) fsm.Task {
	return c.m.OnError(cause)
}

// OnCompleted is invoked exactly once by the driver after the exchange's
// terminal transition and the underlying Stream has finished draining
// (spec §4.5). It tears down the per-exchange state so the Channel can
// be reused for the next pipelined exchange.
func (c *Channel) OnCompleted() {
	c.mu.Lock()
	n := c.m.OutstandingChunks()
	c.req, c.resp = nil, nil
	c.mu.Unlock()

	if n > 0 {
		c.log.Warnw("channel: exchange completed with unreleased content chunks", "count", n)
	}
	if c.metrics != nil {
		c.metrics.inflight.Dec()
		c.metrics.completed.Inc()
	}
	c.m.Reset()
}

// IsIdle reports whether this Channel currently has no exchange in
// flight, the condition shutdown.Coordinator polls for (spec §4.6 step
// 3: "wait up to stop_timeout for in-flight exchanges to complete").
func (c *Channel) IsIdle() bool {
	return c.m.Handling() == fsm.Idle
}

// Abort force-terminates whatever exchange this Channel is currently
// driving, the way shutdown.Coordinator's final step reclaims stragglers
// once stop_timeout has elapsed (spec §4.6 step 4).
func (c *Channel) Abort(cause error) {
	c.base.Abort(cause)
}

// ShouldCloseConnection reports whether the driver must not attempt to
// pipeline another exchange on this connection — set by a request-side
// Connection: close, a framing error, an over-bound unconsumed-body
// drain, or an in-progress graceful shutdown (spec §4.6, §6, §7).
func (c *Channel) ShouldCloseConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceCloseConn
}

// Run drives the fsm trampoline starting from task, iteratively — never
// recursively — per spec §9's explicit instruction (exercised by the
// 100k-chunk scenario, spec §8 #6).
func (c *Channel) Run(task fsm.Task) {
	for task != fsm.NoTask {
		if c.metrics != nil {
			c.metrics.transitions.Inc()
		}
		switch task {
		case fsm.TaskDispatch:
			task = c.dispatch()
		case fsm.TaskComplete:
			c.complete()
			task = c.m.Unhandle()
		case fsm.TaskReadCallback:
			task = c.m.Unhandle()
		case fsm.TaskErrorDispatch:
			task = c.errorDispatch()
		default:
			task = fsm.NoTask
		}
	}
	if c.opts.OnExchangeDone != nil && c.m.Handling() == fsm.Completed {
		c.mu.Lock()
		first := !c.doneNotified
		c.doneNotified = true
		c.mu.Unlock()
		if first {
			c.opts.OnExchangeDone(c)
		}
	}
}

// StartAsync signals that the handler is suspending the exchange rather
// than finishing synchronously (spec §4.2 "handler returns, async
// started"). It must be called from within the Handler before it
// returns; the returned AsyncContext is how another goroutine later
// resumes or finishes the exchange.
func (c *Channel) StartAsync() *AsyncContext {
	c.mu.Lock()
	c.asyncStarted = true
	c.mu.Unlock()
	return &AsyncContext{ch: c}
}

// AsyncContext is the external handle an async Handler uses to resume
// (Dispatch) or finish (Complete) an exchange from another goroutine,
// generalizing the servlet AsyncContext into explicit fsm transitions
// (spec §9).
type AsyncContext struct{ ch *Channel }

// Complete finishes the exchange (spec: "WAITING | complete() | WOKEN |
// COMPLETE"). Runs on the calling goroutine — by the time an async
// handler calls Complete its response is already fully written, so
// there is no further work to hand to the executor.
func (a *AsyncContext) Complete() {
	a.ch.Run(a.ch.m.Complete())
}

// Dispatch resumes the Handler for another pass (spec: "WAITING |
// dispatch() | WOKEN | DISPATCH"), via the configured Executor since
// dispatch means "hand this back to a worker", not "finish here".
func (a *AsyncContext) Dispatch() {
	task := a.ch.m.Dispatch()
	if task == fsm.NoTask {
		return
	}
	a.ch.opts.executor()(func() { a.ch.Run(task) })
}

func (c *Channel) dispatch() fsm.Task {
	handled, panicVal := c.invokeHandler()

	c.mu.Lock()
	failed := c.failedCause
	async := c.asyncStarted
	c.mu.Unlock()

	if failed != nil {
		// The exchange was already finalized synchronously by a
		// content-length violation raised from inside the handler's
		// own Write/SetContentLength call (response.onFail -> c.fail).
		return fsm.NoTask
	}

	if panicVal != nil {
		return c.handlePanic(panicVal)
	}

	if !handled && !c.resp.Committed() {
		c.writeStatus(404, nil)
	}

	var ioPending bool
	if async {
		ioPending = c.m.Woken()
	}
	return c.m.HandlerReturned(async, ioPending)
}

func (c *Channel) invokeHandler() (handled bool, panicVal any) {
	defer func() {
		if r := recover(); r != nil {
			panicVal = r
		}
	}()
	handled = c.handler(c.req, c.resp)
	return
}

// handlePanic implements spec §7's pre/post-commit split: a handler
// exception before any byte reaches the stream produces a 500 with a
// body naming the error; one after commit is logged and the exchange is
// aborted, since the wire bytes already sent cannot be taken back.
func (c *Channel) handlePanic(panicVal any) fsm.Task {
	err := fmt.Errorf("handler panic: %v", panicVal)
	if c.resp.Committed() {
		c.log.Errorw("channel: handler panicked after commit, aborting exchange", "cause", err)
		c.forceClose()
		return c.m.FatalError(err)
	}
	c.writeStatus(500, err)
	return c.m.HandlerReturned(false, false)
}

func (c *Channel) errorDispatch() fsm.Task {
	cause := c.m.ErrCause()
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	if req != nil {
		req.FireError(cause)
	}
	if c.resp != nil && !c.resp.Committed() {
		c.writeStatus(500, cause)
	} else {
		c.log.Errorw("channel: error after commit, aborting exchange", "cause", cause)
	}
	c.mu.Lock()
	c.forceCloseConn = true
	c.mu.Unlock()
	return c.m.FatalError(cause)
}

// fail is response.New's onFail callback: a content-length violation
// detected synchronously inside Write/SetContentLength, still on the
// handler's own goroutine (spec §8 scenarios 3 and 4).
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	if c.failedCause != nil {
		c.mu.Unlock()
		return
	}
	c.failedCause = cause
	c.forceCloseConn = true
	c.mu.Unlock()

	if !c.resp.Committed() {
		c.writeStatus(500, cause)
	}
	c.Run(c.m.FatalError(cause))
}

// writeStatus resets any buffered, uncommitted body and sends a small
// synthetic response. A no-op once committed, since headers are then
// immutable (spec §4.4).
func (c *Channel) writeStatus(status int, cause error) {
	if err := c.resp.Reset(); err != nil {
		return
	}
	c.resp.SetStatus(status)
	c.resp.SetContentType("text/plain; charset=utf-8")
	body := c.opts.errorBody(status, cause)
	c.resp.SetContentLength(int64(len(body)))
	c.resp.Write(true, nil, body)
}

// complete finalizes a successful (or already-written-error) exchange:
// it closes a body the handler forgot to terminate, drains whatever
// unconsumed request content is already buffered, and fires completion
// listeners on this, the thread driving the terminal unhandle (spec
// §4.2 row "handler returns, not async, committed -> COMPLETING ->
// COMPLETE"; spec §5 "error listeners run before completion listeners;
// both run on the thread that drives the terminal unhandle").
func (c *Channel) complete() {
	if c.resp != nil && !c.resp.Committed() {
		c.resp.Write(true, nil)
	}
	c.drainRequestBody()
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	if req != nil {
		req.FireCompletion()
	}
}

// drainRequestBody implements spec §7's "content not consumed" rule on a
// best-effort, non-blocking basis: the fsm contract forbids blocking I/O
// on this thread (spec §5), so only chunks already buffered by the
// Stream are drained. A request with no body (ContentLength 0) needs no
// drain. A body that is still unfinished once the buffered chunks run
// out, or that runs past MaxDrainBytes, or that ends in an error chunk,
// forces Connection: close rather than risking desynchronizing the next
// pipelined request.
func (c *Channel) drainRequestBody() {
	c.mu.Lock()
	req := c.req
	alreadyClosing := c.forceCloseConn
	c.mu.Unlock()
	if req == nil || alreadyClosing || req.Metadata.ContentLength == 0 {
		return
	}

	limit := c.opts.MaxDrainBytes
	if limit <= 0 {
		limit = DefaultOptions.MaxDrainBytes
	}

	drained := 0
	for drained < limit {
		ch, ok := req.ReadContent()
		if !ok {
			c.forceClose()
			return
		}
		switch ch.Kind {
		case chunk.Data:
			drained += len(ch.Buf)
			ch.Release()
			if ch.Last {
				return
			}
		case chunk.EOF:
			return
		case chunk.Trailers:
			continue
		case chunk.Error:
			c.forceClose()
			return
		}
	}
	c.forceClose()
}

func (c *Channel) forceClose() {
	c.mu.Lock()
	c.forceCloseConn = true
	c.mu.Unlock()
}
