/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package historytest is a test-only Stream wrapper that records the
// order in which each call crosses the stream boundary, so wrapper-stack
// tests can assert composition order without depending on a real
// connection (spec §4.5: "wrappers compose; order of observation must be
// verifiable").
package historytest

import (
	"net"
	"sync"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/stream"
)

// Recorder collects events from one or more wrapped Streams, in the
// order they occurred, safe for concurrent recording.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) record(tag, event string) {
	r.mu.Lock()
	r.events = append(r.events, tag+":"+event)
	r.mu.Unlock()
}

// Events returns a snapshot of the recorded history.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Wrap returns a stream.Wrapper tagged tag that logs every call it sees
// to rec before delegating to the inner Stream.
func Wrap(tag string, rec *Recorder) stream.Wrapper {
	return func(inner stream.Stream) stream.Stream {
		return &recording{tag: tag, rec: rec, inner: inner}
	}
}

type recording struct {
	tag   string
	rec   *Recorder
	inner stream.Stream
}

func (w *recording) ReadContent() (chunk.Chunk, bool) {
	w.rec.record(w.tag, "read")
	return w.inner.ReadContent()
}

func (w *recording) DemandContent() {
	w.rec.record(w.tag, "demand")
	w.inner.DemandContent()
}

func (w *recording) Send(meta *stream.SendMeta, bufs [][]byte, last bool, trailer hdr.Header, completion func(error)) {
	w.rec.record(w.tag, "send")
	w.inner.Send(meta, bufs, last, trailer, func(err error) {
		if err != nil {
			w.rec.record(w.tag, "fail")
		} else {
			w.rec.record(w.tag, "succeed")
		}
		if completion != nil {
			completion(err)
		}
	})
}

func (w *recording) Push(rl wire.RequestLine) error {
	w.rec.record(w.tag, "push")
	return w.inner.Push(rl)
}

func (w *recording) Upgrade(c net.Conn) error {
	w.rec.record(w.tag, "upgrade")
	return w.inner.Upgrade(c)
}

func (w *recording) Abort(cause error) {
	w.rec.record(w.tag, "abort")
	w.inner.Abort(cause)
}

var _ stream.Stream = (*recording)(nil)
