// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package node assembles the applications for each kind of fxpq node.
//
// A master accepts dimension servers and clients and keeps the list of
// dimensions. A dimension server accepts zones, dials the master, and
// announces itself. Zones and clients dial an upper node and watch the
// dimension list.
package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/euhmeuh/fxpq/app"
	"github.com/euhmeuh/fxpq/broker"
	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/services"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/google/uuid"
)

// Role is the kind of a node.
type Role string

const (
	RoleMaster    Role = "master"
	RoleDimension Role = "dimension"
	RoleZone      Role = "zone"
	RoleClient    Role = "client"
)

// Duration is a time.Duration that reads and writes as a string such
// as "2s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DimensionConfig describes the dimension a dimension server announces.
type DimensionConfig struct {
	ID   string `json:",omitempty"` // UUID; generated if empty
	Name string
	URL  string `json:",omitempty"`
}

// Config describes one node.
type Config struct {
	Role     Role
	Listen   string   `json:",omitempty"` // address to accept peers on
	Upstream []string `json:",omitempty"` // addresses of the nodes to dial

	Tick             Duration         `json:",omitempty"` // scheduler tick; default 1/60s
	FetchTimeout     Duration         `json:",omitempty"` // bound on remote fetches; default none
	RetryMax         Duration         `json:",omitempty"` // redial backoff cap; zero disables redialing
	Dimension        *DimensionConfig `json:",omitempty"` // dimension servers only
	DimensionTTL     Duration         `json:",omitempty"`
	AnnounceInterval Duration         `json:",omitempty"`
	WatchInterval    Duration         `json:",omitempty"`
	LogEvents        bool             `json:",omitempty"` // log every broker event
	DebugAddr        string           `json:",omitempty"` // metrics listener, used by fxpqd
}

// Check reports whether c describes a runnable node.
func (c *Config) Check() error {
	var errs []error
	needListen := c.Role == RoleMaster || c.Role == RoleDimension
	needUpstream := c.Role != RoleMaster
	switch c.Role {
	case RoleMaster, RoleDimension, RoleZone, RoleClient:
	case "":
		return errors.New("node: no role")
	default:
		return fmt.Errorf("node: unknown role %q", c.Role)
	}
	if needListen && c.Listen == "" {
		errs = append(errs, fmt.Errorf("node: a %s needs a listen address", c.Role))
	}
	if needUpstream && len(c.Upstream) == 0 {
		errs = append(errs, fmt.Errorf("node: a %s needs an upstream", c.Role))
	}
	if c.Role == RoleDimension {
		switch {
		case c.Dimension == nil || c.Dimension.Name == "":
			errs = append(errs, errors.New("node: a dimension needs a dimension name"))
		case c.Dimension.ID != "":
			if _, err := uuid.Parse(c.Dimension.ID); err != nil {
				errs = append(errs, fmt.Errorf("node: dimension ID: %w", err))
			}
		}
	}
	for _, a := range append([]string{c.Listen}, c.Upstream...) {
		if a == "" {
			continue
		}
		if _, err := transport.ParseAddr(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options are the process-level collaborators of a node.
type Options struct {
	Logf    logger.Logf        // or nil to discard
	Network *transport.Network // or nil for the default
}

// Node is an assembled node. The service fields are nil when the
// node's role does not run them.
type Node struct {
	*app.Application

	Listener  *services.ListenService
	Upstreams []*services.NetworkingService
	Registry  *services.DimensionRegistry
	Announcer *services.DimensionAnnouncer
	Watcher   *services.DimensionWatcher
	EventLog  *services.LoggingService
}

// New builds the node c describes. The returned node is idle; call
// Run to start it.
func New(c Config, opts Options) (*Node, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	logf := logger.WithPrefix(logger.OrDiscard(opts.Logf), string(c.Role)+": ")
	b := broker.New(broker.Options{
		Logf:         logf,
		FetchTimeout: time.Duration(c.FetchTimeout),
	})
	n := &Node{
		Application: app.New(b, app.Options{Logf: logf, Tick: time.Duration(c.Tick)}),
	}

	if c.Listen != "" {
		n.Listener = &services.ListenService{Addr: c.Listen, Network: opts.Network, Logf: logf}
		n.Add(n.Listener)
	}
	for _, up := range c.Upstream {
		ns := &services.NetworkingService{
			Upstream:   up,
			Network:    opts.Network,
			MaxBackoff: time.Duration(c.RetryMax),
			Logf:       logf,
		}
		n.Upstreams = append(n.Upstreams, ns)
		n.Add(ns)
	}

	switch c.Role {
	case RoleMaster, RoleDimension:
		n.Registry = &services.DimensionRegistry{TTL: time.Duration(c.DimensionTTL), Logf: logf}
		n.Add(n.Registry)
	}
	if c.Role == RoleDimension {
		d := services.NewDimension(c.Dimension.Name, c.Dimension.URL)
		if c.Dimension.ID != "" {
			d.ID = uuid.MustParse(c.Dimension.ID)
		}
		n.Announcer = &services.DimensionAnnouncer{Dimension: d, Interval: time.Duration(c.AnnounceInterval)}
		n.Add(n.Announcer)
	}
	switch c.Role {
	case RoleZone, RoleClient:
		n.Watcher = &services.DimensionWatcher{Interval: time.Duration(c.WatchInterval)}
		n.Add(n.Watcher)
	}
	if c.LogEvents || c.Role == RoleMaster || c.Role == RoleClient {
		n.EventLog = &services.LoggingService{Logf: logf}
		n.Add(n.EventLog)
	}
	return n, nil
}
