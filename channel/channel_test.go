/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package channel

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/request"
	"github.com/kestrel-http/channel/response"
	"github.com/kestrel-http/channel/stream"
	"github.com/kestrel-http/channel/stream/historytest"
)

// sentCall records one Stream.Send invocation, generalizing
// stream/historytest's event log onto the channel package's own tests.
type sentCall struct {
	status int
	header hdr.Header
	body   []byte
	last   bool
}

// fakeStream is the channel package's in-memory Stream test double,
// grounded in request/request_test.go's streamAdapter but extended to
// record Send calls so tests can assert on the committed response.
type fakeStream struct {
	chunks     []chunk.Chunk
	idx        int
	demandHook func()
	pending    chunk.Chunk
	hasPending bool

	sent []sentCall
}

func (s *fakeStream) deliverNext() {
	if s.idx < len(s.chunks) {
		s.pending = s.chunks[s.idx]
		s.hasPending = true
		s.idx++
	}
}

func (s *fakeStream) ReadContent() (chunk.Chunk, bool) {
	if !s.hasPending {
		return chunk.Chunk{}, false
	}
	c := s.pending
	s.hasPending = false
	return c, true
}

func (s *fakeStream) DemandContent() {
	if s.demandHook != nil {
		s.demandHook()
	}
}

func (s *fakeStream) Send(meta *stream.SendMeta, bufs [][]byte, last bool, _ hdr.Header, completion func(error)) {
	var body []byte
	for _, b := range bufs {
		body = append(body, b...)
	}
	call := sentCall{body: body, last: last}
	if meta != nil {
		call.status = meta.Status
		call.header = meta.Header
	} else if len(s.sent) > 0 {
		call.status = s.sent[len(s.sent)-1].status
	}
	s.sent = append(s.sent, call)
	if completion != nil {
		completion(nil)
	}
}

func (s *fakeStream) Push(wire.RequestLine) error { return errors.New("unsupported") }
func (s *fakeStream) Upgrade(net.Conn) error       { return errors.New("unsupported") }
func (s *fakeStream) Abort(error)                  {}

var _ stream.Stream = (*fakeStream)(nil)

func testOptions() Options {
	o := DefaultOptions
	o.OutputCommitThreshold = 64
	return o
}

// TestSimpleGetRespondsWithDeclaredContentLength exercises spec §8
// scenario 1: a GET with no body, handler writes a short fixed-length
// response.
func TestSimpleGetRespondsWithDeclaredContentLength(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, resp *response.Response) bool {
		resp.SetStatus(200)
		resp.SetContentLength(5)
		resp.Write(true, nil, []byte("hello"))
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 {
		t.Fatalf("got %d Send calls, want 1", len(fs.sent))
	}
	if fs.sent[0].status != 200 || string(fs.sent[0].body) != "hello" || !fs.sent[0].last {
		t.Fatalf("got %+v, want status 200 body %q last true", fs.sent[0], "hello")
	}

	c.OnCompleted()
	if !c.IsIdle() {
		t.Fatal("channel should be idle after OnCompleted")
	}
}

// TestEchoPostReadsAllChunksBeforeResponding exercises spec §8 scenario 2:
// a chunked request body is fully read via Request.ReadAll before the
// handler echoes it back.
func TestEchoPostReadsAllChunksBeforeResponding(t *testing.T) {
	fs := &fakeStream{chunks: []chunk.Chunk{
		chunk.NewData([]byte("hel"), false, nil),
		chunk.NewData([]byte("lo"), true, nil),
	}}
	var c *Channel
	handler := func(req *request.Request, resp *response.Response) bool {
		body, err := req.ReadAll(context.Background())
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		resp.SetStatus(200)
		resp.SetContentLength(int64(len(body)))
		resp.Write(true, nil, body)
		return true
	}
	c = New(fs, handler, testOptions(), log.Nop, nil, nil)
	fs.demandHook = func() {
		fs.deliverNext()
		c.Run(c.OnContentAvailable())
	}

	meta := request.Metadata{Method: "POST", Target: "/echo", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 || string(fs.sent[0].body) != "hello" {
		t.Fatalf("got %+v, want single send with body %q", fs.sent, "hello")
	}
}

// TestContentLengthUnderflowBeforeCommitProducesFiveHundred exercises
// spec §8 scenario 3: the handler declares a content-length the body it
// hands over falls short of, detected synchronously before any byte
// reaches the stream.
func TestContentLengthUnderflowBeforeCommitProducesFiveHundred(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, resp *response.Response) bool {
		resp.SetContentLength(100)
		resp.Write(true, nil, []byte("short"))
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 || fs.sent[0].status != 500 {
		t.Fatalf("got %+v, want a single 500 response", fs.sent)
	}
	if !c.ShouldCloseConnection() {
		t.Fatal("a content-length violation must force Connection: close")
	}
}

// TestContentLengthSetAfterOverflowingWriteProducesFiveHundred exercises
// spec §8 scenario 4: the handler writes 10 bytes, uncommitted, then
// declares a Content-Length smaller than what it already buffered —
// caught synchronously inside SetContentLength, pre-commit.
func TestContentLengthSetAfterOverflowingWriteProducesFiveHundred(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, resp *response.Response) bool {
		resp.Write(false, nil, []byte("1234567890"))
		resp.SetContentLength(5)
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 || fs.sent[0].status != 500 {
		t.Fatalf("got %+v, want a single 500 response", fs.sent)
	}
}

// TestAsyncHandlerCompletesFromAnotherGoroutine exercises spec §8
// scenario 5: the handler suspends with StartAsync and a later call to
// AsyncContext.Complete (standing in for a different worker goroutine)
// finishes the exchange.
func TestAsyncHandlerCompletesFromAnotherGoroutine(t *testing.T) {
	fs := &fakeStream{}
	var c *Channel
	var ac *AsyncContext
	handler := func(_ *request.Request, resp *response.Response) bool {
		ac = c.StartAsync()
		go func() {
			resp.SetStatus(200)
			resp.SetContentLength(2)
			resp.Write(true, nil, []byte("ok"))
			ac.Complete()
		}()
		return true
	}
	done := make(chan struct{})
	opts := testOptions()
	opts.OnExchangeDone = func(*Channel) { close(done) }
	c = New(fs, handler, opts, log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))
	<-done

	if len(fs.sent) != 1 || string(fs.sent[0].body) != "ok" {
		t.Fatalf("got %+v, want a single send with body %q", fs.sent, "ok")
	}
}

// TestHandlerReturnsFalseProducesFourOhFour exercises the default
// not-found fallback (spec §6).
func TestHandlerReturnsFalseProducesFourOhFour(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, _ *response.Response) bool { return false }
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/missing", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 || fs.sent[0].status != 404 {
		t.Fatalf("got %+v, want a single 404 response", fs.sent)
	}
}

// TestHandlerPanicBeforeCommitProducesFiveHundred exercises spec §7's
// pre-commit panic recovery.
func TestHandlerPanicBeforeCommitProducesFiveHundred(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, _ *response.Response) bool {
		panic("boom")
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if len(fs.sent) != 1 || fs.sent[0].status != 500 {
		t.Fatalf("got %+v, want a single 500 response", fs.sent)
	}
}

// TestConnectionCloseRequestHeaderForcesClose exercises spec §6's
// Connection: close request-header passthrough.
func TestConnectionCloseRequestHeaderForcesClose(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, resp *response.Response) bool {
		resp.SetContentLength(0)
		resp.Write(true, nil)
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)

	meta := request.Metadata{
		Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1},
		Header: hdr.Header{hdr.Connection: []string{"close"}},
	}
	c.Run(c.OnRequest(meta))

	if !c.ShouldCloseConnection() {
		t.Fatal("Connection: close request header must force connection close")
	}
}

// TestStreamWrapperHistoryRecordsReadDemandSendSucceedOrder wires a
// stream/historytest.Recorder through AddStreamWrapper and drives the
// same echo scenario as TestEchoPostReadsAllChunksBeforeResponding (spec
// §8 scenario 2), asserting the exact read/demand/send/succeed event
// sequence spec §4.5 says history tests must record.
func TestStreamWrapperHistoryRecordsReadDemandSendSucceedOrder(t *testing.T) {
	fs := &fakeStream{chunks: []chunk.Chunk{
		chunk.NewData([]byte("hel"), false, nil),
		chunk.NewData([]byte("lo"), true, nil),
	}}
	rec := &historytest.Recorder{}
	var c *Channel
	handler := func(req *request.Request, resp *response.Response) bool {
		body, err := req.ReadAll(context.Background())
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		resp.SetStatus(200)
		resp.SetContentLength(int64(len(body)))
		resp.Write(true, nil, body)
		return true
	}
	c = New(fs, handler, testOptions(), log.Nop, nil, nil)
	c.AddStreamWrapper(historytest.Wrap("mw", rec))
	fs.demandHook = func() {
		fs.deliverNext()
		c.Run(c.OnContentAvailable())
	}

	meta := request.Metadata{Method: "POST", Target: "/echo", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	want := []string{
		"mw:read", "mw:demand",
		"mw:read",
		"mw:read", "mw:demand",
		"mw:read",
		"mw:send", "mw:succeed",
	}
	got := rec.Events()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q (full history: %v)", i, got[i], want[i], got)
		}
	}
}

// TestStreamWrapperStackOrderLastAddedSeesCallFirst exercises spec
// §4.5's "Wrappers form a stack" contract: the last wrapper added must
// observe each call before any earlier-added wrapper does.
func TestStreamWrapperStackOrderLastAddedSeesCallFirst(t *testing.T) {
	fs := &fakeStream{}
	rec := &historytest.Recorder{}
	handler := func(req *request.Request, resp *response.Response) bool {
		req.ReadContent()
		resp.SetContentLength(0)
		resp.Write(true, nil)
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, nil)
	c.AddStreamWrapper(historytest.Wrap("inner", rec))
	c.AddStreamWrapper(historytest.Wrap("outer", rec))

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	got := rec.Events()
	if len(got) < 2 || got[0] != "outer:read" || got[1] != "inner:read" {
		t.Fatalf("got %v, want outer:read before inner:read (last-added wrapper sees the call first)", got)
	}
}

// TestStoppingRefusesNewExchangesWithClose exercises spec §4.6 step 2:
// once the owning shutdown.Coordinator reports stopping, every new
// exchange is marked non-reusable even though the client didn't ask for
// that.
func TestStoppingRefusesNewExchangesWithClose(t *testing.T) {
	fs := &fakeStream{}
	handler := func(_ *request.Request, resp *response.Response) bool {
		resp.SetContentLength(0)
		resp.Write(true, nil)
		return true
	}
	c := New(fs, handler, testOptions(), log.Nop, nil, func() bool { return true })

	meta := request.Metadata{Method: "GET", Target: "/", Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
	c.Run(c.OnRequest(meta))

	if !c.ShouldCloseConnection() {
		t.Fatal("exchanges started while stopping must force connection close")
	}
}
