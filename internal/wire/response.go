/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package wire

import (
	"fmt"
	"io"
	"net/http"

	"github.com/kestrel-http/channel/hdr"
)

// StatusText returns the standard reason phrase for code, delegating to
// the standard library's table instead of keeping a private copy of it.
func StatusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return fmt.Sprintf("status code %d", code)
}

// WriteStatusLine writes "HTTP/1.x NNN Reason\r\n".
func WriteStatusLine(w io.Writer, proto Proto, code int) error {
	_, err := fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", proto.Major, proto.Minor, code, StatusText(code))
	return err
}

// WriteHeaderBlock writes h (minus any key in exclude) followed by the
// blank line that ends the header block.
func WriteHeaderBlock(w io.Writer, h hdr.Header, exclude map[string]bool) error {
	if err := h.WriteSubset(w, exclude); err != nil {
		return err
	}
	_, err := w.Write(crlf)
	return err
}

// BodyAllowedForStatus reports whether a response with the given status
// code is permitted to carry a body (RFC 7230 §3.3.3 / RFC 7231 §6.3.6).
func BodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	}
	return true
}
