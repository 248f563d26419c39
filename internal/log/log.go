/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package log replaces the teacher's Server.logf (a thin wrapper around
// the standard library's *log.Logger, see conn.go's srv.logf calls) with
// a structured-logging capability passed at construction instead of
// reached through a package-level or server-global logger.
package log

import "go.uber.org/zap"

// Logger is the structured-logging capability every channel component
// takes at construction. It is satisfied by *zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// NewZap returns a production zap.SugaredLogger suitable as a Logger.
func NewZap() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop is a Logger that discards everything; useful in tests and as a
// safe default when no Logger is supplied at construction.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...interface{}) {}
func (nopLogger) Infow(string, ...interface{})  {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}
