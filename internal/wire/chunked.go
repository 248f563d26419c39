/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"

	"github.com/kestrel-http/channel/hdr"
)

// ErrLineTooLong is returned when a chunk-size line exceeds the bound
// this decoder tolerates, guarding against an unbounded-trailer DoS the
// way the teacher's body.go readTrailer comment describes.
var ErrLineTooLong = errors.New("wire: chunk header line too long")

// ChunkedReader decodes an HTTP/1.1 chunked body, surfacing trailers
// (spec §4.1: "Trailers, when present, MUST precede EOF in the read
// sequence; at most one Trailers chunk per exchange").
type ChunkedReader struct {
	r        *bufio.Reader
	n        uint64 // bytes remaining in the current chunk
	done     bool
	trailer  hdr.Header
	sawTrail bool
	err      error
}

func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

// Read implements io.Reader. On the chunk terminator it parses any
// trailer block and returns io.EOF.
func (c *ChunkedReader) Read(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	for c.n == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.beginChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}
	if uint64(len(b)) > c.n {
		b = b[:c.n]
	}
	n, err := c.r.Read(b)
	c.n -= uint64(n)
	if (c.n == 0 && err == nil) || err == io.EOF {
		// consume the trailing CRLF after the chunk data
		if _, rerr := c.r.Discard(2); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

func (c *ChunkedReader) beginChunk() error {
	line, err := readChunkLine(c.r)
	if err != nil {
		return err
	}
	size, err := parseHexChunkSize(line)
	if err != nil {
		return err
	}
	if size == 0 {
		c.done = true
		return c.readTrailer()
	}
	c.n = size
	return nil
}

func (c *ChunkedReader) readTrailer() error {
	tp := textproto.NewReader(c.r)
	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return err
	}
	if len(mh) > 0 {
		c.trailer = make(hdr.Header, len(mh))
		for k, vv := range mh {
			c.trailer[hdr.CanonicalHeaderKey(k)] = vv
		}
		c.sawTrail = true
	}
	return nil
}

// Trailer returns the trailer block parsed after the terminal chunk,
// valid only after Read has returned io.EOF.
func (c *ChunkedReader) Trailer() (hdr.Header, bool) { return c.trailer, c.sawTrail }

func readChunkLine(r *bufio.Reader) (string, error) {
	const maxLineLength = 4096
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return "", ErrLineTooLong
		}
		return "", err
	}
	if len(line) > maxLineLength {
		return "", ErrLineTooLong
	}
	line = trimCRLF(line)
	// ignore chunk extensions after ';'
	if i := indexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return string(line), nil
}

func trimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == '\n') {
		b = b[:len(b)-1]
	}
	return b
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func parseHexChunkSize(line []byte) (uint64, error) {
	if len(line) == 0 {
		return 0, ErrMalformed("empty chunk size line")
	}
	var n uint64
	for _, c := range line {
		n <<= 4
		switch {
		case '0' <= c && c <= '9':
			n |= uint64(c - '0')
		case 'a' <= c && c <= 'f':
			n |= uint64(c-'a') + 10
		case 'A' <= c && c <= 'F':
			n |= uint64(c-'A') + 10
		default:
			return 0, ErrMalformed(fmt.Sprintf("invalid chunk size byte %q", c))
		}
	}
	return n, nil
}

// ChunkedWriter encodes an HTTP/1.1 chunked body, closing with a
// trailer block (possibly empty) the way chunk_writer.go's close()
// does: zero-length chunk, trailers, final CRLF.
type ChunkedWriter struct {
	w io.Writer
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter { return &ChunkedWriter{w: w} }

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := c.w.Write(crlf); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the terminal zero-length chunk and trailer block.
func (c *ChunkedWriter) Close(trailer hdr.Header) error {
	if _, err := io.WriteString(c.w, "0\r\n"); err != nil {
		return err
	}
	if trailer != nil {
		if err := trailer.Write(c.w); err != nil {
			return err
		}
	}
	_, err := c.w.Write(crlf)
	return err
}

var crlf = []byte("\r\n")
