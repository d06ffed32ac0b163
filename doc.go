// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package fxpq is the root of the fxpq peer-hierarchy runtime.
//
// Nodes are built from an app.Application driving a set of services
// around a broker.Broker, which routes resources and events between
// the node and its upper and lower peers. See package node for the
// master, dimension, zone and client roles, and cmd/fxpqd for the
// daemon.
package fxpq
