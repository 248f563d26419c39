/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package request is the read side of one exchange: the parsed request
// line/headers plus the demand-driven content stream the application
// consumes. It generalizes the teacher's body.go (Read/readLocked/
// registerOnHitEOF) onto the channel's Stream abstraction instead of a
// direct blocking io.Reader.
package request

import (
	"context"
	"sync"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/stream"
)

// Metadata is the parsed, immutable request line and header block (spec
// §3 "Request metadata").
type Metadata struct {
	Method        string
	Target        string
	Proto         wire.Proto
	Header        hdr.Header
	ContentLength int64 // -1 unknown, >=0 fixed, wire.Chunked sentinel
}

// Request is the application's view of the read side of one exchange.
// The zero value is not usable; construct with New.
type Request struct {
	Metadata Metadata

	s  stream.Stream
	mu sync.Mutex

	attrs map[any]any

	errListeners      []func(error)
	completionListeners []func()

	demandPending bool
	demandOnce    func()

	ended    bool
	endCause error
}

// New builds a Request over the given parsed metadata and Stream. The
// Channel constructs one per exchange and discards it on completion.
// The header map is copied, so later changes to the caller's map do not
// reach the Request.
func New(meta Metadata, s stream.Stream) *Request {
	meta.Header = meta.Header.Clone()
	return &Request{Metadata: meta, s: s}
}

// ReadContent returns the next available content chunk without
// blocking, or ok=false if none has arrived yet (spec §4.1). Once a
// terminal chunk has been returned, further calls return an EOF chunk
// (or an Error chunk with the same cause) without consulting the Stream.
func (r *Request) ReadContent() (chunk.Chunk, bool) {
	r.mu.Lock()
	ended, cause := r.ended, r.endCause
	r.mu.Unlock()
	if ended {
		if cause != nil {
			return chunk.NewError(cause), true
		}
		return chunk.NewEOF(), true
	}
	c, ok := r.s.ReadContent()
	if ok && c.Terminal() {
		r.mu.Lock()
		r.ended, r.endCause = true, c.Cause
		r.mu.Unlock()
	}
	return c, ok
}

// DemandContent arms a one-shot demand: once is invoked exactly once,
// from the stream's notification path, when a chunk becomes available.
// A second DemandContent call before the first fires replaces the
// callback rather than stacking another demand, matching "at most one
// outstanding demand per Request" (spec §4.1).
func (r *Request) DemandContent(once func()) {
	r.mu.Lock()
	r.demandPending = true
	r.demandOnce = once
	r.mu.Unlock()
	r.s.DemandContent()
}

// OnContentAvailable is invoked by the owning Channel when the Stream
// reports readiness; it fires the armed demand callback exactly once.
func (r *Request) OnContentAvailable() {
	r.mu.Lock()
	if !r.demandPending {
		r.mu.Unlock()
		return
	}
	r.demandPending = false
	cb := r.demandOnce
	r.demandOnce = nil
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// AddErrorListener registers a callback invoked once if the exchange
// fails, with the failure cause.
func (r *Request) AddErrorListener(l func(error)) {
	r.mu.Lock()
	r.errListeners = append(r.errListeners, l)
	r.mu.Unlock()
}

// AddCompletionListener registers a callback invoked once the exchange
// completes, success or failure.
func (r *Request) AddCompletionListener(l func()) {
	r.mu.Lock()
	r.completionListeners = append(r.completionListeners, l)
	r.mu.Unlock()
}

// FireError invokes every registered error listener with cause. Called
// by the owning Channel when the exchange fails.
func (r *Request) FireError(cause error) {
	r.mu.Lock()
	ls := append([]func(error){}, r.errListeners...)
	r.mu.Unlock()
	for _, l := range ls {
		l(cause)
	}
}

// FireCompletion invokes every registered completion listener. Called by
// the owning Channel once the exchange completes.
func (r *Request) FireCompletion() {
	r.mu.Lock()
	ls := append([]func(){}, r.completionListeners...)
	r.mu.Unlock()
	for _, l := range ls {
		l()
	}
}

// Attribute returns a request-scoped value previously stored with
// SetAttribute, the channel's equivalent of the teacher's context values
// passed alongside *http.Request.
func (r *Request) Attribute(key any) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrs == nil {
		return nil, false
	}
	v, ok := r.attrs[key]
	return v, ok
}

// SetAttribute stores a request-scoped value.
func (r *Request) SetAttribute(key, value any) {
	r.mu.Lock()
	if r.attrs == nil {
		r.attrs = make(map[any]any)
	}
	r.attrs[key] = value
	r.mu.Unlock()
}

// ReadAll is the blocking convenience read (spec §4.3): it drains the
// entire body into memory, parking on a single-slot channel between
// demand/ready cycles instead of recursing through nested callbacks, so
// it stays on one fixed goroutine stack regardless of how many chunks
// the body is split into (spec §8 scenario 6: 100,000 chunks).
func (r *Request) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	ready := make(chan struct{}, 1)

	for {
		if ch, ok := r.ReadContent(); ok {
			switch ch.Kind {
			case chunk.Data:
				out = append(out, ch.Buf...)
				ch.Release()
				if ch.Last {
					return out, nil
				}
				continue
			case chunk.EOF:
				return out, nil
			case chunk.Trailers:
				continue
			case chunk.Error:
				return out, ch.Cause
			}
		}

		r.DemandContent(func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})

		select {
		case <-ready:
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
