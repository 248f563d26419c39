/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package stream

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/bufpool"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
)

// readSize is the chunk size demanded from the underlying body reader per
// DemandContent, mirroring the teacher's connReader fixed scratch buffer.
const readSize = 32 * 1024

// Conn is the reference Stream over a net.Conn, generalizing the
// teacher's conn.go (framing + lifecycle), conn_reader.go (background
// read dispatch) and chunk_writer.go (content-length/chunked decision on
// the write side) into the channel's narrow Stream contract.
type Conn struct {
	rwc net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	log log.Logger
	pool *bufpool.Pool

	listener Listener

	mu        sync.Mutex
	bodyReader io.Reader // set per-exchange by Reset
	demanded   bool
	pending    chunk.Chunk
	hasPending bool
	aborted    bool
	abortCause error
	sawTrailer bool

	committed bool
	chunked   bool
	cw        *wire.ChunkedWriter
}

// NewConn wraps rwc. The listener, attached afterwards with SetListener,
// receives content-available and terminal notifications; it may be left
// unset during tests that only exercise ReadContent.
func NewConn(rwc net.Conn, pool *bufpool.Pool, logger log.Logger) *Conn {
	return &Conn{
		rwc: rwc,
		br:  bufio.NewReaderSize(rwc, readSize),
		bw:  bufio.NewWriterSize(rwc, readSize),
		log: logger,
		pool: pool,
	}
}

// SetListener attaches the channel-side observer. Must be called before
// the first DemandContent/Send of an exchange.
func (c *Conn) SetListener(l Listener) { c.listener = l }

// Reader exposes the shared bufio.Reader so a driver loop can read the
// request line and headers before handing the body framing to Reset.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Writer exposes the shared bufio.Writer so a driver can Flush it once an
// exchange's response has fully drained.
func (c *Conn) Writer() *bufio.Writer { return c.bw }

// Reset arms the Stream for a new exchange: bodyReader is the raw,
// already-framed (fixed-length or chunked) reader for this request's
// body, or nil for a bodyless request.
func (c *Conn) Reset(bodyReader io.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodyReader = bodyReader
	c.demanded = false
	c.pending = chunk.Chunk{}
	c.hasPending = false
	c.aborted = false
	c.abortCause = nil
	c.sawTrailer = false
	c.committed = false
	c.chunked = false
	c.cw = nil
}

// ReadContent implements Stream.
func (c *Conn) ReadContent() (chunk.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPending {
		ch := c.pending
		c.pending = chunk.Chunk{}
		c.hasPending = false
		return ch, true
	}
	return chunk.Chunk{}, false
}

// DemandContent implements Stream. It spawns a single background read,
// the way connReader's backgroundRead goroutine pulls the next slice of
// body off the wire without blocking the caller's goroutine.
func (c *Conn) DemandContent() {
	c.mu.Lock()
	if c.demanded || c.hasPending {
		c.mu.Unlock()
		return
	}
	if c.aborted {
		c.pending = chunk.NewError(c.abortCause)
		c.hasPending = true
		c.mu.Unlock()
		c.notifyContent()
		return
	}
	if c.bodyReader == nil {
		c.pending = chunk.NewEOF()
		c.hasPending = true
		c.mu.Unlock()
		c.notifyContent()
		return
	}
	c.demanded = true
	br := c.bodyReader
	c.mu.Unlock()

	go c.backgroundRead(br)
}

func (c *Conn) backgroundRead(br io.Reader) {
	buf := c.pool.Get(readSize)
	n, err := br.Read(buf)

	c.mu.Lock()
	c.demanded = false
	switch {
	case n > 0:
		data := buf[:n]
		c.pending = chunk.NewData(data, false, func() { c.pool.Put(buf) })
		c.hasPending = true
	case err == io.EOF:
		c.pool.Put(buf)
		if tr, ok := trailerOf(br); ok && tr != nil && !c.sawTrailer {
			c.pending = chunk.NewTrailers(tr)
			c.sawTrailer = true
		} else {
			c.pending = chunk.NewEOF()
		}
		c.hasPending = true
	case err != nil:
		c.pool.Put(buf)
		c.pending = chunk.NewError(err)
		c.hasPending = true
	default:
		c.pool.Put(buf)
	}
	c.mu.Unlock()

	if c.hasPendingUnlocked() {
		c.notifyContent()
	} else {
		// spurious zero-byte/zero-error read: re-arm immediately.
		c.DemandContent()
	}
}

func (c *Conn) hasPendingUnlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPending
}

func (c *Conn) notifyContent() {
	if c.listener != nil {
		c.listener.OnContentAvailable()
	}
}

// trailerOf recovers a chunked body's trailer block, if the reader
// exposes one (net/textproto-style *wire.ChunkedReader does).
func trailerOf(r io.Reader) (hdr.Header, bool) {
	type trailerer interface{ Trailer() (hdr.Header, bool) }
	if t, ok := r.(trailerer); ok {
		return t.Trailer()
	}
	return nil, false
}

// Send implements Stream. Framing (chunked vs. fixed-length) has already
// been decided by the caller and is carried in meta; Send applies it
// mechanically, the way chunk_writer.go's Write does once writeHeader has
// already run.
func (c *Conn) Send(meta *SendMeta, bufs [][]byte, last bool, trailer hdr.Header, completion func(error)) {
	err := c.send(meta, bufs, last, trailer)
	if completion != nil {
		completion(err)
	}
}

func (c *Conn) send(meta *SendMeta, bufs [][]byte, last bool, trailer hdr.Header) error {
	c.mu.Lock()
	aborted := c.aborted
	cause := c.abortCause
	c.mu.Unlock()
	if aborted {
		return cause
	}

	if meta != nil {
		if err := wire.WriteStatusLine(c.bw, meta.Proto, meta.Status); err != nil {
			return err
		}
		if err := wire.WriteHeaderBlock(c.bw, meta.Header, nil); err != nil {
			return err
		}
		c.mu.Lock()
		c.committed = true
		c.chunked = meta.Chunked
		if meta.Chunked {
			c.cw = wire.NewChunkedWriter(c.bw)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	chunked := c.chunked
	cw := c.cw
	c.mu.Unlock()

	for _, b := range bufs {
		var err error
		if chunked {
			_, err = cw.Write(b)
		} else {
			_, err = c.bw.Write(b)
		}
		if err != nil {
			return err
		}
	}

	if last {
		if chunked {
			if err := cw.Close(trailer); err != nil {
				return err
			}
		}
		return c.bw.Flush()
	}
	return nil
}

// Flush forces any bytes already written via Send out to the underlying
// connection without waiting for last=true, mirroring the teacher's
// expectContinueReader flushing conn.bufWriter directly after writing
// its interim "100 Continue" status line (expect_continue_reader.go).
// Stream implementations that don't buffer (or that proxy to one that
// does) may omit this optional capability.
func (c *Conn) Flush() error {
	return c.bw.Flush()
}

// Push implements Stream; the reference Conn doesn't support server push.
func (c *Conn) Push(wire.RequestLine) error { return ErrNotSupported }

// Upgrade implements Stream; protocol upgrade is left to a future
// transport-specific Stream.
func (c *Conn) Upgrade(net.Conn) error { return ErrNotSupported }

// Abort implements Stream: pending/future reads observe cause, pending
// sends fail, and the underlying connection is torn down the way
// conn.go's closeNotify path does on an unrecoverable error.
func (c *Conn) Abort(cause error) {
	if cause == nil {
		cause = errAborted
	}
	c.mu.Lock()
	c.aborted = true
	c.abortCause = cause
	c.pending = chunk.NewError(cause)
	c.hasPending = true
	c.mu.Unlock()
	_ = c.rwc.Close()
	c.notifyContent()
}

// NotifySucceeded and NotifyFailed let a driver loop report the terminal
// Stream outcome once the exchange is fully drained; netserver does not
// call them.
func (c *Conn) NotifySucceeded() {
	if c.listener != nil {
		c.listener.OnStreamSucceeded()
	}
}

func (c *Conn) NotifyFailed(cause error) {
	if c.listener != nil {
		c.listener.OnStreamFailed(cause)
	}
}

var errAborted = errors.New("stream: aborted")

var _ Stream = (*Conn)(nil)
