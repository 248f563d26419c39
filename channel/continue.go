/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package channel

import (
	"sync"

	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/wire"
	"github.com/kestrel-http/channel/stream"
)

// expectContinueStream is an internal stream.Wrapper-shaped decorator
// (spec §6: "the channel emits 100 Continue on the first read demand
// from the application, suppressing it if the handler writes a final
// response first"). It is applied outermost so it observes the first
// DemandContent call the application (or any user Wrapper) actually
// issues, rather than one the stream itself might issue internally.
type expectContinueStream struct {
	stream.Stream
	once      sync.Once
	proto     wire.Proto
	committed func() bool
}

// flusher is the optional capability a Stream may expose to push
// already-Send bytes out immediately instead of waiting for last=true —
// stream.Conn implements it over its buffered writer. Matches the
// teacher's expectContinueReader, which flushes conn.bufWriter directly
// right after writing its interim status line (expect_continue_reader.go).
type flusher interface{ Flush() error }

func newExpectContinueStream(inner stream.Stream, proto wire.Proto, committed func() bool) stream.Stream {
	return &expectContinueStream{Stream: inner, proto: proto, committed: committed}
}

func (s *expectContinueStream) DemandContent() {
	s.once.Do(func() {
		if s.committed != nil && s.committed() {
			return
		}
		s.Stream.Send(&stream.SendMeta{Status: 100, Proto: s.proto, Header: hdr.Header{}}, nil, false, nil, nil)
		// Send alone only buffers: its last=false path never reaches the
		// wire until a later write flushes (spec §6 needs the interim
		// status visible to the peer now, not whenever the final
		// response happens to flush).
		if f, ok := s.Stream.(flusher); ok {
			_ = f.Flush()
		}
	})
	s.Stream.DemandContent()
}

var _ stream.Stream = (*expectContinueStream)(nil)
