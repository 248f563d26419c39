/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package wire is the minimal HTTP/1.x byte-level parser and generator
// the channel depends on through the narrow Stream interface (spec §1
// treats the wire codec as an out-of-scope collaborator; this package is
// that collaborator's reference implementation).
//
// Request-line and header-block parsing is done with the standard
// library's net/textproto.Reader, the same tool net/http itself uses —
// there is no domain-specific reason to hand-roll RFC 822 continuation-
// line parsing the way the teacher's deleted header_dot_reader.go did.
package wire

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/kestrel-http/channel/hdr"
)

// Chunked is the request.Metadata.ContentLength sentinel meaning the
// body is framed by chunked transfer-encoding rather than a fixed byte
// count (spec §3: "−1 = unknown, ≥0 = fixed, CHUNKED sentinel").
const Chunked int64 = -2

// Proto is a parsed HTTP version.
type Proto struct {
	Major, Minor int
}

func (p Proto) AtLeast(major, minor int) bool {
	return p.Major > major || (p.Major == major && p.Minor >= minor)
}

func (p Proto) String() string { return fmt.Sprintf("HTTP/%d.%d", p.Major, p.Minor) }

// RequestLine is the parsed method/target/version triple.
type RequestLine struct {
	Method string
	Target string
	Proto  Proto
}

// ErrMalformed marks a client framing fault (spec §7 "Parse/framing").
type ErrMalformed string

func (e ErrMalformed) Error() string { return string(e) }

// ReadRequestLine reads and parses one HTTP request line.
func ReadRequestLine(r *textproto.Reader) (RequestLine, error) {
	line, err := r.ReadLine()
	if err != nil {
		return RequestLine{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, ErrMalformed("malformed request line: " + line)
	}
	major, minor, ok := parseHTTPVersion(parts[2])
	if !ok {
		return RequestLine{}, ErrMalformed("malformed HTTP version: " + parts[2])
	}
	return RequestLine{Method: parts[0], Target: parts[1], Proto: Proto{major, minor}}, nil
}

func parseHTTPVersion(v string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(v, prefix) {
		return 0, 0, false
	}
	rest := v[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(rest[:dot])
	min, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil || maj < 0 || min < 0 {
		return 0, 0, false
	}
	return maj, min, true
}

// ReadHeaderBlock reads the CRLF-terminated header block following a
// request or response line and converts it into an hdr.Header.
func ReadHeaderBlock(r *textproto.Reader) (hdr.Header, error) {
	mh, err := r.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return nil, err
	}
	h := make(hdr.Header, len(mh))
	for k, vv := range mh {
		h[hdr.CanonicalHeaderKey(k)] = vv
	}
	return h, nil
}

// NewTextprotoReader is a small convenience wrapper so callers don't need
// to import net/textproto directly just to build one.
func NewTextprotoReader(r *bufio.Reader) *textproto.Reader {
	return textproto.NewReader(r)
}

// DetermineRequestBodyFraming applies RFC 7230 §3.3.3 to a request's
// headers (chunked wins over Content-Length; a request with neither has
// no body). Returns Chunked, a non-negative fixed length, or 0.
func DetermineRequestBodyFraming(h hdr.Header) (int64, error) {
	if isChunked(h.Get(hdr.TransferEncoding)) {
		return Chunked, nil
	}
	cl := h.Get(hdr.ContentLength)
	if cl == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrMalformed("bad Content-Length: " + cl)
	}
	return n, nil
}

func isChunked(te string) bool {
	return strings.EqualFold(strings.TrimSpace(lastToken(te)), "chunked")
}

func lastToken(v string) string {
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

// ExpectsContinue reports whether a request declares "Expect:
// 100-continue" (spec §6: "the channel emits 100 Continue on the first
// read demand from the application").
func ExpectsContinue(h hdr.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get(hdr.Expect)), "100-continue")
}
