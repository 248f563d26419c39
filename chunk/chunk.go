/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package chunk defines the content chunk that flows from a Stream up
// through a Request's read side to the application.
package chunk

import "github.com/kestrel-http/channel/hdr"

// Kind identifies which of the four terminal/non-terminal shapes a Chunk
// carries. A chunk sequence is ordered and terminated by exactly one of
// EOF, a Data chunk with Last set, Error, or Trailers followed by EOF.
type Kind int

const (
	// Data carries a slice of body bytes. Release must be called exactly
	// once by the consumer.
	Data Kind = iota
	// EOF marks the end of the content with no further bytes.
	EOF
	// Trailers carries the trailer header block; it always precedes EOF.
	Trailers
	// Error marks a terminal failure; no further chunks follow.
	Error
)

// Releaser returns a Data chunk's backing buffer to its pool. It is safe
// to call Release more than once; only the first call has an effect.
type Releaser func()

// Chunk is one element of a Stream's content sequence. The zero Chunk has
// Kind Data with no bytes.
type Chunk struct {
	Kind     Kind
	Buf      []byte    // valid when Kind == Data
	Last     bool      // valid when Kind == Data: this is the final Data chunk
	Trailer  hdr.Header // valid when Kind == Trailers
	Cause    error     // valid when Kind == Error
	release  Releaser
	released bool
}

// NewData builds a Data chunk backed by buf, owned by release.
func NewData(buf []byte, last bool, release Releaser) Chunk {
	return Chunk{Kind: Data, Buf: buf, Last: last, release: release}
}

// NewEOF builds the terminal EOF chunk.
func NewEOF() Chunk { return Chunk{Kind: EOF} }

// NewTrailers builds a Trailers chunk. It must be followed by an EOF
// chunk in the sequence.
func NewTrailers(t hdr.Header) Chunk { return Chunk{Kind: Trailers, Trailer: t} }

// NewError builds a terminal Error chunk.
func NewError(cause error) Chunk { return Chunk{Kind: Error, Cause: cause} }

// Release returns a Data chunk's buffer to its owning pool. It is a no-op
// for non-Data chunks or chunks with no registered releaser, and it is
// idempotent: a double Release does not double-free.
func (c *Chunk) Release() {
	if c.released || c.release == nil {
		return
	}
	c.released = true
	c.release()
}

// Terminal reports whether this chunk ends the content sequence (EOF or
// Error, or a Data chunk marked Last).
func (c Chunk) Terminal() bool {
	switch c.Kind {
	case EOF, Error:
		return true
	case Data:
		return c.Last
	default:
		return false
	}
}
