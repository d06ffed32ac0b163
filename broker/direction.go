// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import "fmt"

// Direction selects which connections a broker operation reaches
// beyond the local node.
type Direction uint8

const (
	// Local reaches this node only.
	Local Direction = iota
	// Up reaches the nodes this node dialed, through its client
	// connections.
	Up
	// Down reaches the nodes that dialed this node, through its server
	// connections.
	Down
	// Both reaches every connection regardless of role.
	Both
)

func (d Direction) String() string {
	switch d {
	case Local:
		return "local"
	case Up:
		return "up"
	case Down:
		return "down"
	case Both:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// selects reports whether a connection with role r is reached by d.
func (d Direction) selects(r Role) bool {
	switch d {
	case Up:
		return r == RoleClient
	case Down:
		return r == RoleServer
	case Both:
		return true
	}
	return false
}

// ParseDirection parses the String form of a Direction.
func ParseDirection(s string) (Direction, error) {
	for d := Local; d <= Both; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
