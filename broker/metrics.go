// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "broker",
		Name:      "fetches_total",
		Help:      "Resource fetches issued, by direction.",
	}, []string{"direction"})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "broker",
		Name:      "sends_total",
		Help:      "Resource sends issued, by direction.",
	}, []string{"direction"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "broker",
		Name:      "events_total",
		Help:      "Events emitted through EmitEvent, by direction.",
	}, []string{"direction"})

	remoteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "broker",
		Name:      "remote_errors_total",
		Help:      "Failed remote operations, by operation.",
	}, []string{"op"})

	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fxpq",
		Subsystem: "broker",
		Name:      "connections",
		Help:      "Connections owned by live brokers, by role and state.",
	}, []string{"role", "state"})
)
