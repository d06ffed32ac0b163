// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package conffile loads node config files.
//
// Config files are HuJSON (JSON with comments and trailing commas):
//
//	{
//		"Version": "v1",
//		"Role": "dimension",
//		"Listen": "ws://:7001/fxpq",
//		"Upstream": ["tcp://master.local:7000"],
//		"Dimension": {"Name": "overworld"},
//	}
package conffile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/euhmeuh/fxpq/node"
	"github.com/euhmeuh/fxpq/util/set"
	"github.com/tailscale/hujson"
)

const v1 = "v1"

// Config is a loaded config file.
type Config struct {
	Path    string // or "" if not read from a file
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1"

	// Parsed is the node config the file describes.
	Parsed node.Config

	fields set.Set[string] // lowercased top-level keys present in the file
}

// Has reports whether the file sets the top-level field name, even to
// a zero value such as "0s".
func (c *Config) Has(name string) bool {
	return c.fields.Contains(strings.ToLower(name))
}

type versionedConfig struct {
	Version string `json:",omitempty"`
	node.Config
}

// Load parses raw as a config file.
func Load(raw []byte) (c *Config, err error) {
	c = &Config{Raw: raw}
	c.Std, err = hujson.Standardize(bytes.Clone(raw))
	if err != nil {
		return nil, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	var ver versionedConfig
	dec := json.NewDecoder(bytes.NewReader(c.Std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ver); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	switch ver.Version {
	case "":
		return nil, errors.New("error parsing config: no \"Version\" field provided")
	case v1:
	default:
		return nil, fmt.Errorf("error parsing config: unsupported \"Version\" value %q; want %q", ver.Version, v1)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(c.Std, &top); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	c.fields = make(set.Set[string], len(top))
	for k := range top {
		// Field names match case-insensitively, as in encoding/json.
		c.fields.Add(strings.ToLower(k))
	}
	c.Version = ver.Version
	c.Parsed = ver.Config
	return c, nil
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}
