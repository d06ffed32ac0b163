// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/euhmeuh/fxpq/node"
	qt "github.com/frankban/quicktest"
)

func TestParseFlags(t *testing.T) {
	c := qt.New(t)
	f, err := parseFlags([]string{
		"-role", "zone",
		"-upstream", "tcp://a:7000, ws://b:7001/fxpq",
		"-tick", "50ms",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(f.logFormat, qt.Equals, "json")
	c.Assert(f.cfg.Role, qt.Equals, node.RoleZone)
	c.Assert(f.cfg.Upstream, qt.DeepEquals, []string{"tcp://a:7000", "ws://b:7001/fxpq"})
	c.Assert(time.Duration(f.cfg.Tick), qt.Equals, 50*time.Millisecond)
	c.Assert(time.Duration(f.cfg.RetryMax), qt.Equals, 30*time.Second)
	c.Assert(f.cfg.Check(), qt.IsNil)
}

func TestParseFlagsOverridesFile(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "node.hujson")
	err := os.WriteFile(path, []byte(`{
		"Version": "v1",
		"Role": "dimension",
		"Listen": "tcp://:7001",
		"Upstream": ["tcp://master:7000"],
		"RetryMax": "5s",
		"Dimension": {"Name": "overworld"}, // trailing comma allowed
	}`), 0o600)
	c.Assert(err, qt.IsNil)

	f, err := parseFlags([]string{"-config", path, "-listen", "ws://:8000/", "-dimension-url", "fxpq://overworld"})
	c.Assert(err, qt.IsNil)
	c.Assert(f.cfg.Role, qt.Equals, node.RoleDimension)
	c.Assert(f.cfg.Listen, qt.Equals, "ws://:8000/")
	c.Assert(f.cfg.Upstream, qt.DeepEquals, []string{"tcp://master:7000"})
	c.Assert(time.Duration(f.cfg.RetryMax), qt.Equals, 5*time.Second)
	c.Assert(f.cfg.Dimension, qt.DeepEquals, &node.DimensionConfig{Name: "overworld", URL: "fxpq://overworld"})
}

func TestParseFlagsRetryMaxFromFile(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		c.Assert(os.WriteFile(path, []byte(body), 0o600), qt.IsNil)
		return path
	}
	disabled := write("disabled.hujson", `{"Version": "v1", "Role": "master", "Listen": "tcp://:0", "RetryMax": "0s"}`)
	omitted := write("omitted.hujson", `{"Version": "v1", "Role": "master", "Listen": "tcp://:0"}`)

	f, err := parseFlags([]string{"-config", disabled})
	c.Assert(err, qt.IsNil)
	c.Assert(time.Duration(f.cfg.RetryMax), qt.Equals, time.Duration(0))

	f, err = parseFlags([]string{"-config", omitted})
	c.Assert(err, qt.IsNil)
	c.Assert(time.Duration(f.cfg.RetryMax), qt.Equals, 30*time.Second)

	f, err = parseFlags([]string{"-config", disabled, "-retry-max", "2s"})
	c.Assert(err, qt.IsNil)
	c.Assert(time.Duration(f.cfg.RetryMax), qt.Equals, 2*time.Second)
}

func TestParseFlagsIntervals(t *testing.T) {
	c := qt.New(t)
	f, err := parseFlags([]string{
		"-role", "dimension",
		"-listen", "tcp://:7001",
		"-upstream", "tcp://master:7000",
		"-dimension", "overworld",
		"-announce-interval", "500ms",
		"-watch-interval", "3s",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(time.Duration(f.cfg.AnnounceInterval), qt.Equals, 500*time.Millisecond)
	c.Assert(time.Duration(f.cfg.WatchInterval), qt.Equals, 3*time.Second)
	c.Assert(f.cfg.Check(), qt.IsNil)
}

func TestParseFlagsEnv(t *testing.T) {
	c := qt.New(t)
	t.Setenv("FXPQ_ROLE", "master")
	t.Setenv("FXPQ_LISTEN", "tcp://:7000")
	f, err := parseFlags(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(f.cfg.Role, qt.Equals, node.RoleMaster)
	c.Assert(f.cfg.Listen, qt.Equals, "tcp://:7000")
}

func TestParseFlagsErrors(t *testing.T) {
	c := qt.New(t)
	_, err := parseFlags([]string{"-role", "zone", "extra"})
	c.Assert(err, qt.ErrorMatches, `unexpected arguments: .*`)
	_, err = parseFlags([]string{"-config", filepath.Join(t.TempDir(), "missing")})
	c.Assert(err, qt.IsNotNil)
}

func TestNewLogger(t *testing.T) {
	c := qt.New(t)
	for _, format := range []string{"json", "console"} {
		l, err := newLogger(format)
		c.Assert(err, qt.IsNil)
		c.Assert(l, qt.IsNotNil)
	}
	_, err := newLogger("xml")
	c.Assert(err, qt.ErrorMatches, `unknown log format "xml"`)
}
