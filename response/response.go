/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package response is the write side of one exchange: status, headers,
// trailers, buffered/streamed body writes, commit detection and
// content-length enforcement. Grounded in the teacher's chunkWriter
// (chunked-vs-content-length decision, writeHeader) and response.Write's
// r.written > r.contentLength accounting in response_server.go, both
// folded onto the channel's Stream abstraction instead of a direct
// net.Conn.
package response

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/internal/wireerr"
	"github.com/kestrel-http/channel/stream"
)

// Options carries the subset of spec.md §6's configurable options the
// write side needs.
type Options struct {
	SendServerHeader bool
	ServerHeaderValue string
	SendDateHeader   bool
	// BufferSize is the output-commit-threshold: writes accumulate in
	// Response until more than this many bytes are pending, then the
	// response commits (spec §4.2 "buffer-overflow ... commits and
	// switches to chunked").
	BufferSize int
}

// DefaultOptions mirrors the teacher's Server zero-value behavior: a
// modest buffer, both ambient headers on.
var DefaultOptions = Options{
	SendServerHeader:  true,
	ServerHeaderValue: "kestrel",
	SendDateHeader:    true,
	BufferSize:        4096,
}

// Response is the application's write-side handle for one exchange.
type Response struct {
	mu sync.Mutex

	s     stream.Stream
	proto wire.Proto
	opts  Options
	log   log.Logger
	onFail func(error)

	status        int
	header        hdr.Header
	trailersFn    func() hdr.Header
	contentLength int64 // -1 = undeclared

	committed bool
	chunked   bool
	connClose bool

	pending    [][]byte
	pendingLen int
	written    int64
	failed     bool
}

// New builds a Response over s for one exchange. onFail, if non-nil, is
// invoked exactly once if a content-length or commit-rule violation
// aborts the exchange.
func New(s stream.Stream, proto wire.Proto, opts Options, logger log.Logger, onFail func(error)) *Response {
	if logger == nil {
		logger = log.Nop
	}
	return &Response{
		s:             s,
		proto:         proto,
		opts:          opts,
		log:           logger,
		onFail:        onFail,
		status:        200,
		header:        make(hdr.Header),
		contentLength: -1,
	}
}

// SetStatus sets the response status code. Ignored with a warning once
// committed (spec §4.4 "After commit, mutations ... silently ignored").
func (r *Response) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		r.log.Warnw("response: SetStatus after commit ignored", "code", code)
		return
	}
	r.status = code
}

// SetContentLength declares a fixed response body length. Setting it
// smaller than bytes already buffered raises a framing error
// synchronously (spec §4.4).
func (r *Response) SetContentLength(n int64) {
	r.mu.Lock()
	if r.committed {
		r.mu.Unlock()
		r.log.Warnw("response: SetContentLength after commit ignored", "n", n)
		return
	}
	if n < int64(r.pendingLen) {
		r.mu.Unlock()
		r.abort(wireerr.New(wireerr.ContentLengthViolation,
			fmt.Errorf("content-length %d < %d", n, r.pendingLen)))
		return
	}
	r.contentLength = n
	r.mu.Unlock()
}

// SetContentType is shorthand for AddHeader(hdr.ContentType, ct).
func (r *Response) SetContentType(ct string) { r.AddHeader(hdr.ContentType, ct) }

// AddHeader adds a response header. Ignored once committed.
func (r *Response) AddHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		r.log.Warnw("response: AddHeader after commit ignored", "key", key)
		return
	}
	r.header.Add(key, value)
}

// SetTrailersSupplier registers a callback invoked once, immediately
// before the terminal write, to produce the trailer block. Only
// meaningful for a chunked response.
func (r *Response) SetTrailersSupplier(fn func() hdr.Header) {
	r.mu.Lock()
	r.trailersFn = fn
	r.mu.Unlock()
}

// Committed reports whether the response has committed.
func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Status returns the status code that will be (or was) sent.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ForceClose marks the connection non-reusable: it adds a Connection:
// close response header so the client stops trying to pipeline further
// requests onto it. Used by graceful shutdown (spec §4.6 step 2) and by
// the Connection: close request-header passthrough (spec §6). A no-op
// once committed, since the header can no longer change.
func (r *Response) ForceClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return
	}
	r.connClose = true
	r.header.Set(hdr.Connection, "close")
}

// Reset discards any buffered, not-yet-committed state so a handler (or
// an error handler taking over before commit) can start over. Returns an
// error if already committed.
func (r *Response) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return wireerr.New(wireerr.Framing, fmt.Errorf("response already committed"))
	}
	r.status = 200
	r.header = make(hdr.Header)
	r.trailersFn = nil
	r.contentLength = -1
	r.pending = nil
	r.pendingLen = 0
	r.written = 0
	r.failed = false
	return nil
}

// Write submits one body write. last closes the body; the first call
// that results in a commit (full buffer or last=true) fixes the
// response's framing for the rest of the exchange.
func (r *Response) Write(last bool, completion func(error), bufs ...[]byte) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		if completion != nil {
			completion(wireerr.New(wireerr.ContentLengthViolation, fmt.Errorf("exchange already failed")))
		}
		return
	}

	n := 0
	for _, b := range bufs {
		n += len(b)
	}

	if !r.committed {
		r.pending = append(r.pending, bufs...)
		r.pendingLen += n

		// Known synchronously, before any byte reaches the stream: the
		// whole body was just handed over and it falls short of the
		// declared length. Fail now instead of committing a response
		// that can never be made whole (spec §8 scenario 3).
		if last && r.contentLength >= 0 && int64(r.pendingLen) < r.contentLength {
			err := wireerr.New(wireerr.ContentLengthViolation,
				fmt.Errorf("content-length %d > %d", r.contentLength, r.pendingLen))
			r.mu.Unlock()
			r.abort(err)
			if completion != nil {
				completion(err)
			}
			return
		}

		overflow := r.opts.BufferSize > 0 && r.pendingLen > r.opts.BufferSize
		if !overflow && !last {
			r.mu.Unlock()
			if completion != nil {
				completion(nil)
			}
			return
		}
		meta, toSend, trailer, err := r.commitLocked(last)
		if err != nil {
			r.mu.Unlock()
			r.abort(err)
			if completion != nil {
				completion(err)
			}
			return
		}
		r.written += int64(r.pendingLen)
		r.pending = nil
		r.pendingLen = 0
		r.mu.Unlock()
		r.s.Send(meta, toSend, last, trailer, completion)
		return
	}

	// Already committed: apply framing discipline per write.
	toSend := bufs
	if r.contentLength >= 0 {
		remaining := r.contentLength - r.written
		if int64(n) > remaining {
			toSend, n = truncate(bufs, remaining)
			r.log.Warnw("response: write truncated past content-length",
				"contentLength", r.contentLength, "written", r.written)
		}
	}
	r.written += int64(n)

	var underflow error
	if last && r.contentLength >= 0 && r.written < r.contentLength {
		underflow = wireerr.New(wireerr.ContentLengthViolation,
			fmt.Errorf("content-length %d > %d", r.contentLength, r.written))
	}

	var trailer hdr.Header
	if last && r.chunked && r.trailersFn != nil {
		trailer = r.trailersFn()
	}
	r.mu.Unlock()

	if underflow != nil {
		r.abort(underflow)
		r.s.Send(nil, toSend, last, trailer, func(error) {
			if completion != nil {
				completion(underflow)
			}
		})
		return
	}
	r.s.Send(nil, toSend, last, trailer, completion)
}

// Flush submits an empty, non-final Write. Bytes still buffered below
// the commit threshold stay buffered and the response does not commit;
// once committed, the empty write is handed to the Stream, which is not
// asked to push already-sent bytes out.
func (r *Response) Flush(completion func(error)) {
	r.Write(false, completion)
}

// commitLocked decides framing and builds the SendMeta for the first
// Send call. Caller holds r.mu and releases it before calling Send.
func (r *Response) commitLocked(last bool) (*stream.SendMeta, [][]byte, hdr.Header, error) {
	h := r.header.Clone()

	switch {
	case r.contentLength >= 0:
		if int64(r.pendingLen) > r.contentLength {
			return nil, nil, nil, wireerr.New(wireerr.ContentLengthViolation,
				fmt.Errorf("content-length %d < %d", r.contentLength, r.pendingLen))
		}
		h.Set(hdr.ContentLength, fmt.Sprintf("%d", r.contentLength))
	case last:
		// Entire body available in one shot: size is now known, no need
		// to chunk (mirrors the teacher's chunkWriter "bodyAllowed &&
		// !chunking" content-length-on-the-fly path).
		r.contentLength = int64(r.pendingLen)
		h.Set(hdr.ContentLength, fmt.Sprintf("%d", r.contentLength))
	case r.proto.AtLeast(1, 1):
		r.chunked = true
		h.Set(hdr.TransferEncoding, "chunked")
	default:
		r.connClose = true
		h.Set(hdr.Connection, "close")
	}

	if r.opts.SendServerHeader && h.Get(hdr.ServerHeader) == "" {
		h.Set(hdr.ServerHeader, r.opts.ServerHeaderValue)
	}
	if r.opts.SendDateHeader && h.Get(hdr.Date) == "" {
		h.Set(hdr.Date, time.Now().UTC().Format(hdr.TimeFormat))
	}

	r.committed = true
	meta := &stream.SendMeta{Status: r.status, Proto: r.proto, Header: h, Chunked: r.chunked}

	var trailer hdr.Header
	if last && r.chunked && r.trailersFn != nil {
		trailer = r.trailersFn()
	}
	return meta, r.pending, trailer, nil
}

func (r *Response) abort(cause error) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	onFail := r.onFail
	r.mu.Unlock()
	r.log.Errorw("response: aborting exchange", "cause", cause)
	if onFail != nil {
		onFail(cause)
	}
}

func truncate(bufs [][]byte, remaining int64) ([][]byte, int) {
	if remaining < 0 {
		remaining = 0
	}
	out := make([][]byte, 0, len(bufs))
	total := 0
	for _, b := range bufs {
		if remaining <= 0 {
			break
		}
		take := int64(len(b))
		if take > remaining {
			take = remaining
		}
		out = append(out, b[:take])
		total += int(take)
		remaining -= take
	}
	return out, total
}
