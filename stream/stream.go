/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package stream is the channel's view of the underlying connection: a
// byte source/sink abstraction with completion callbacks (spec §4.1),
// generalized from the teacher's conn.go/conn_reader.go (read side) and
// chunk_writer.go/response_server.go (write side), which hard-wire those
// responsibilities directly onto *conn and *response.
package stream

import (
	"errors"
	"net"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/wire"
)

// ErrNotSupported is returned by the optional Push/Upgrade capabilities
// when a concrete Stream doesn't implement them.
var ErrNotSupported = errors.New("stream: not supported")

// Listener receives the notifications a Stream owner (the Channel) reacts
// to: content readiness and the terminal succeeded/failed signal (spec
// §4.1 "Lifecycle signals succeeded()/failed(cause) travel upward to the
// channel on stream end").
type Listener interface {
	OnContentAvailable()
	OnStreamSucceeded()
	OnStreamFailed(cause error)
}

// SendMeta carries the response metadata delivered with the first Send
// call for an exchange. Header must already reflect the channel's
// framing decision (Content-Length vs. Transfer-Encoding: chunked) —
// Stream applies it mechanically and does not re-derive it.
type SendMeta struct {
	Status  int
	Proto   wire.Proto
	Header  hdr.Header
	Chunked bool
}

// Stream is the channel's sole abstraction over the network connection
// for the duration of one exchange (spec §4.1).
type Stream interface {
	// ReadContent returns the next buffered chunk, or ok=false if none is
	// ready yet. Never blocks.
	ReadContent() (c chunk.Chunk, ok bool)

	// DemandContent arms a one-shot notification: Listener.OnContentAvailable
	// fires once a chunk becomes ready. Idempotent while already armed.
	DemandContent()

	// Send submits one write. meta is non-nil on the call that commits
	// the response, and on an interim 1xx status (such as the channel's
	// 100 Continue) sent before it. last closes the body.
	// completion fires exactly once, in submission order across the
	// life of the Stream.
	Send(meta *SendMeta, bufs [][]byte, last bool, trailer hdr.Header, completion func(error))

	// Push and Upgrade are optional; the default Conn implementation
	// returns ErrNotSupported for both.
	Push(meta wire.RequestLine) error
	Upgrade(conn net.Conn) error

	// Abort force-terminates the exchange: pending reads observe an
	// Error chunk, pending/future sends fail their completion.
	Abort(cause error)
}

// Wrapper lets middleware observe or transform the Stream for one
// exchange (spec §4.5 add_stream_wrapper); wrappers compose into a
// stack, outermost-applied-last.
type Wrapper func(Stream) Stream
