// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds atomic broker-wide counters, in the spirit of the teacher's
// system.Info $SYS snapshot, scoped to what this core tracks directly
// (sessions and message flow; byte/packet-level counters belong to the
// out-of-scope wire codec).
type Stats struct {
	sessionsActive     int64
	sessionsMaximum    int64
	messagesPublished  int64
	messagesDelivered  int64
	messagesRetained   int64
	subscriptions      int64
}

func (s *Stats) setSessionsActive(n int64) {
	atomic.StoreInt64(&s.sessionsActive, n)
	for {
		max := atomic.LoadInt64(&s.sessionsMaximum)
		if n <= max || atomic.CompareAndSwapInt64(&s.sessionsMaximum, max, n) {
			return
		}
	}
}

func (s *Stats) setSubscriptions(n int64)    { atomic.StoreInt64(&s.subscriptions, n) }
func (s *Stats) setRetained(n int64)         { atomic.StoreInt64(&s.messagesRetained, n) }
func (s *Stats) incPublished()               { atomic.AddInt64(&s.messagesPublished, 1) }
func (s *Stats) incDelivered()               { atomic.AddInt64(&s.messagesDelivered, 1) }

// Snapshot is a point-in-time, non-atomic copy of Stats for reporting.
type Snapshot struct {
	SessionsActive    int64
	SessionsMaximum   int64
	MessagesPublished int64
	MessagesDelivered int64
	MessagesRetained  int64
	Subscriptions     int64
}

// Snapshot returns a consistent-enough copy of the broker's counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		SessionsActive:    atomic.LoadInt64(&s.sessionsActive),
		SessionsMaximum:   atomic.LoadInt64(&s.sessionsMaximum),
		MessagesPublished: atomic.LoadInt64(&s.messagesPublished),
		MessagesDelivered: atomic.LoadInt64(&s.messagesDelivered),
		MessagesRetained:  atomic.LoadInt64(&s.messagesRetained),
		Subscriptions:     atomic.LoadInt64(&s.subscriptions),
	}
}

// RegisterPrometheusMetrics registers a GaugeFunc/CounterFunc per counter
// plus a build-info GaugeVec against registry, the same metric-type mix
// the teacher's system.Info.RegisterPrometheusMetrics uses.
func (s *Stats) RegisterPrometheusMetrics(registry prometheus.Registerer, version string) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	gauges := []struct {
		name  string
		help  string
		value *int64
	}{
		{"broker_sessions_active", "Number of sessions currently registered.", &s.sessionsActive},
		{"broker_sessions_maximum", "High-water mark of concurrently registered sessions.", &s.sessionsMaximum},
		{"broker_retained_messages", "Number of retained messages currently stored.", &s.messagesRetained},
		{"broker_subscriptions", "Number of active subscription filters.", &s.subscriptions},
	}
	for _, g := range gauges {
		g := g
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(atomic.LoadInt64(g.value)) },
		))
	}

	counters := []struct {
		name  string
		help  string
		value *int64
	}{
		{"broker_messages_published_total", "Total PUBLISH messages accepted.", &s.messagesPublished},
		{"broker_messages_delivered_total", "Total PUBLISH messages enqueued to subscribers.", &s.messagesDelivered},
	}
	for _, c := range counters {
		c := c
		registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(atomic.LoadInt64(c.value)) },
		))
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "broker_build_info", Help: "Build information."},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": version}).Set(1)
}
