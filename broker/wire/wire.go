// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package wire defines the peer protocol spoken between two brokers
// over one link.
//
// A link carries a stream of CBOR-encoded [Frame] values in both
// directions. Either end may issue requests: a fetch expects a reply
// frame carrying the same ID, sends and notifies expect nothing back.
// Resource values travel as [Envelope] values produced by a [Codec].
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Op is the kind of a frame.
type Op uint8

const (
	OpFetch  Op = iota + 1 // request a resource; the peer answers with OpReply
	OpSend                 // push a resource value
	OpNotify               // forward an event with arguments
	OpReply                // answer to the OpFetch with the same ID
)

func (op Op) String() string {
	switch op {
	case OpFetch:
		return "fetch"
	case OpSend:
		return "send"
	case OpNotify:
		return "notify"
	case OpReply:
		return "reply"
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Frame is one protocol message.
type Frame struct {
	ID    uint64     `cbor:"1,keyasint,omitempty"` // request ID, set on fetch and reply
	Op    Op         `cbor:"2,keyasint"`
	Name  string     `cbor:"3,keyasint,omitempty"` // resource or event name
	Value *Envelope  `cbor:"4,keyasint,omitempty"` // nil is an absent answer
	Args  []Envelope `cbor:"5,keyasint,omitempty"` // notify arguments
	Err   string     `cbor:"6,keyasint,omitempty"` // reply error, if any
}

// Envelope carries one resource value. Registered types are named by
// Type, collections carry their members in Items, anything else is a
// plain CBOR data item in Data.
type Envelope struct {
	Type  string          `cbor:"1,keyasint,omitempty"`
	Data  cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	List  bool            `cbor:"3,keyasint,omitempty"`
	Items []Envelope      `cbor:"4,keyasint,omitempty"`
}

// ErrUnknownType is returned when an envelope names a type that is not
// registered with the decoding side's registry.
var ErrUnknownType = errors.New("wire: unknown payload type")

// Encoder writes frames to a stream. It is not safe for concurrent use.
type Encoder struct {
	enc *cbor.Encoder
}

// Encode writes f.
func (e *Encoder) Encode(f *Frame) error {
	return e.enc.Encode(f)
}

// Decoder reads frames from a stream. It is not safe for concurrent use.
type Decoder struct {
	dec *cbor.Decoder
}

// Decode reads the next frame. It returns io.EOF at a clean end of
// stream.
func (d *Decoder) Decode() (*Frame, error) {
	f := new(Frame)
	if err := d.dec.Decode(f); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("wire: truncated frame: %w", err)
		}
		return nil, err
	}
	return f, nil
}
