/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package channel

import (
	"errors"
	"net"
	"testing"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/stream"
)

// flushRecordingStream is a Stream double that also implements the
// optional flusher capability, so continue_test can assert the interim
// 100-Continue status is flushed rather than left buffered.
type flushRecordingStream struct {
	sent    []*stream.SendMeta
	flushed int
}

func (s *flushRecordingStream) ReadContent() (chunk.Chunk, bool) { return chunk.Chunk{}, false }
func (s *flushRecordingStream) DemandContent()                  {}
func (s *flushRecordingStream) Send(meta *stream.SendMeta, _ [][]byte, _ bool, _ hdr.Header, completion func(error)) {
	s.sent = append(s.sent, meta)
	if completion != nil {
		completion(nil)
	}
}
func (s *flushRecordingStream) Push(wire.RequestLine) error { return errors.New("unsupported") }
func (s *flushRecordingStream) Upgrade(net.Conn) error       { return errors.New("unsupported") }
func (s *flushRecordingStream) Abort(error)                  {}
func (s *flushRecordingStream) Flush() error                 { s.flushed++; return nil }

var _ stream.Stream = (*flushRecordingStream)(nil)
var _ flusher = (*flushRecordingStream)(nil)

// TestExpectContinueFlushesInterimStatus exercises spec §6's
// "Expect: 100-continue" responder: the interim status must reach the
// wire on the application's first demand, not sit buffered until some
// later write happens to flush (the teacher's expectContinueReader
// flushes immediately for the same reason).
func TestExpectContinueFlushesInterimStatus(t *testing.T) {
	fs := &flushRecordingStream{}
	committed := false
	s := newExpectContinueStream(fs, wire.Proto{Major: 1, Minor: 1}, func() bool { return committed })

	s.DemandContent()

	if len(fs.sent) != 1 || fs.sent[0].Status != 100 {
		t.Fatalf("got sent=%+v, want a single 100-Continue Send", fs.sent)
	}
	if fs.flushed != 1 {
		t.Fatalf("got %d Flush calls, want 1 (interim status must reach the wire immediately)", fs.flushed)
	}
}

// TestExpectContinueSuppressedOnceCommitted exercises this module's
// Open Question decision (DESIGN.md): once the response has committed,
// the interim status is skipped entirely.
func TestExpectContinueSuppressedOnceCommitted(t *testing.T) {
	fs := &flushRecordingStream{}
	s := newExpectContinueStream(fs, wire.Proto{Major: 1, Minor: 1}, func() bool { return true })

	s.DemandContent()

	if len(fs.sent) != 0 {
		t.Fatalf("got sent=%+v, want no Send once committed", fs.sent)
	}
	if fs.flushed != 0 {
		t.Fatalf("got %d Flush calls, want 0 once committed", fs.flushed)
	}
}

// TestExpectContinueFiresOnlyOnce exercises the once.Do guard: repeated
// demands must not resend the interim status.
func TestExpectContinueFiresOnlyOnce(t *testing.T) {
	fs := &flushRecordingStream{}
	s := newExpectContinueStream(fs, wire.Proto{Major: 1, Minor: 1}, func() bool { return false })

	s.DemandContent()
	s.DemandContent()
	s.DemandContent()

	if len(fs.sent) != 1 || fs.flushed != 1 {
		t.Fatalf("got sent=%d flushed=%d, want 1 and 1 (demand is idempotent)", len(fs.sent), fs.flushed)
	}
}
