/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package stream

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kestrel-http/channel/chunk"
	"github.com/kestrel-http/channel/hdr"
	"github.com/kestrel-http/channel/internal/bufpool"
	"github.com/kestrel-http/channel/internal/log"
	"github.com/kestrel-http/channel/internal/wire"
)

// recordingListener captures OnContentAvailable notifications on a
// buffered channel so a test goroutine can wait on them.
type recordingListener struct {
	avail chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{avail: make(chan struct{}, 16)}
}

func (l *recordingListener) OnContentAvailable()       { l.avail <- struct{}{} }
func (l *recordingListener) OnStreamSucceeded()        {}
func (l *recordingListener) OnStreamFailed(error)      {}

func TestConnDemandContentDeliversBufferedBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(server, bufpool.New(4), log.Nop)
	lis := newRecordingListener()
	c.SetListener(lis)
	c.Reset(bytes.NewBufferString("hello"))

	c.DemandContent()
	select {
	case <-lis.avail:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for content availability")
	}

	ch, ok := c.ReadContent()
	if !ok || ch.Kind != chunk.Data || string(ch.Buf) != "hello" {
		t.Fatalf("got (%+v, %v), want a Data chunk with body %q", ch, ok, "hello")
	}
}

func TestConnDemandContentOnEmptyBodyYieldsEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(server, bufpool.New(4), log.Nop)
	lis := newRecordingListener()
	c.SetListener(lis)
	c.Reset(nil)

	c.DemandContent()
	<-lis.avail

	ch, ok := c.ReadContent()
	if !ok || ch.Kind != chunk.EOF {
		t.Fatalf("got (%+v, %v), want an EOF chunk", ch, ok)
	}
}

func TestConnSendWritesStatusLineHeadersAndBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(server, bufpool.New(4), log.Nop)
	c.Reset(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		meta := &SendMeta{Status: 200, Proto: wire.Proto{Major: 1, Minor: 1}, Header: hdr.Header{}}
		c.Send(meta, [][]byte{[]byte("hi")}, true, nil, nil)
	}()

	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client.Read: %v", err)
	}
	<-done
	got := string(buf[:n])
	if !bytes.Contains(buf[:n], []byte("200")) || !bytes.HasSuffix(buf[:n], []byte("hi")) {
		t.Fatalf("got %q, want a 200 status line ending in body %q", got, "hi")
	}
}

func TestConnAbortDeliversErrorChunkAndClosesConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConn(server, bufpool.New(4), log.Nop)
	lis := newRecordingListener()
	c.SetListener(lis)
	c.Reset(bytes.NewBufferString("unused"))

	boom := io.ErrUnexpectedEOF
	c.Abort(boom)
	<-lis.avail

	ch, ok := c.ReadContent()
	if !ok || ch.Kind != chunk.Error {
		t.Fatalf("got (%+v, %v), want an Error chunk", ch, ok)
	}
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("got client read error %v, want io.EOF once Abort closed the server side", err)
	}
}
