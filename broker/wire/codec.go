// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"fmt"
	"io"
	"reflect"

	"github.com/euhmeuh/fxpq/resource"
	"github.com/euhmeuh/fxpq/syncs"
	"github.com/fxamacker/cbor/v2"
)

// A Registry maps payload type names to Go types, so that values of
// those types survive a round trip with their concrete type.
type Registry struct {
	mu     syncs.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
	}
}

// DefaultRegistry is the registry used by [Register] and by codecs
// created with a nil registry.
var DefaultRegistry = NewRegistry()

// Register registers T under name in [DefaultRegistry].
// It is meant to be called from init functions of payload packages.
func Register[T any](name string) {
	DefaultRegistry.Register(name, reflect.TypeFor[T]())
}

// Register registers t under name. It panics if name or t is already
// registered to something else.
func (r *Registry) Register(name string, t reflect.Type) {
	if name == "" {
		panic("wire: empty type name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[name]; ok && old != t {
		panic(fmt.Sprintf("wire: type name %q registered for both %v and %v", name, old, t))
	}
	if old, ok := r.byType[t]; ok && old != name {
		panic(fmt.Sprintf("wire: type %v registered as both %q and %q", t, old, name))
	}
	r.byName[name] = t
	r.byType[t] = name
}

func (r *Registry) nameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

func (r *Registry) typeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// A Codec converts resource values to and from envelopes and creates
// frame encoders and decoders. A Codec is safe for concurrent use.
type Codec struct {
	reg *Registry
	em  cbor.EncMode
	dm  cbor.DecMode
}

// NewCodec returns a codec resolving type names with reg, or with
// [DefaultRegistry] if reg is nil.
func NewCodec(reg *Registry) *Codec {
	if reg == nil {
		reg = DefaultRegistry
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &Codec{reg: reg, em: em, dm: dm}
}

// NewEncoder returns a frame encoder writing to w.
func (c *Codec) NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: c.em.NewEncoder(w)}
}

// NewDecoder returns a frame decoder reading from r.
func (c *Codec) NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: c.dm.NewDecoder(r)}
}

// Encode wraps v in an envelope. A nil v encodes as a nil envelope.
//
// Values of registered types are encoded by name, including registered
// collection types. Other collections are encoded member by member.
func (c *Codec) Encode(v any) (*Envelope, error) {
	if v == nil {
		return nil, nil
	}
	e := new(Envelope)
	if err := c.encodeInto(e, v); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Codec) encodeInto(e *Envelope, v any) error {
	if name, ok := c.reg.nameOf(reflect.TypeOf(v)); ok {
		data, err := c.em.Marshal(v)
		if err != nil {
			return fmt.Errorf("wire: encoding %s: %w", name, err)
		}
		e.Type, e.Data = name, data
		return nil
	}
	if resource.IsCollection(v) {
		items := resource.Items(v)
		e.List = true
		e.Items = make([]Envelope, len(items))
		for i, it := range items {
			if it == nil {
				continue
			}
			if err := c.encodeInto(&e.Items[i], it); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := c.em.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encoding %T: %w", v, err)
	}
	e.Data = data
	return nil
}

// Decode unwraps an envelope produced by Encode. A nil envelope
// decodes as nil. Unregistered collections decode as []any.
func (c *Codec) Decode(e *Envelope) (any, error) {
	if e == nil {
		return nil, nil
	}
	return c.decode(e)
}

func (c *Codec) decode(e *Envelope) (any, error) {
	switch {
	case e.Type != "":
		t, ok := c.reg.typeOf(e.Type)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownType, e.Type)
		}
		p := reflect.New(t)
		if err := c.dm.Unmarshal(e.Data, p.Interface()); err != nil {
			return nil, fmt.Errorf("wire: decoding %s: %w", e.Type, err)
		}
		return p.Elem().Interface(), nil
	case e.List:
		ret := make([]any, 0, len(e.Items))
		for i := range e.Items {
			it := &e.Items[i]
			if it.Type == "" && !it.List && len(it.Data) == 0 {
				continue // nil member
			}
			v, err := c.decode(it)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
		}
		return ret, nil
	case len(e.Data) == 0:
		return nil, nil
	}
	var v any
	if err := c.dm.Unmarshal(e.Data, &v); err != nil {
		return nil, fmt.Errorf("wire: decoding value: %w", err)
	}
	return v, nil
}

// EncodeArgs encodes event arguments. Nil arguments are preserved.
func (c *Codec) EncodeArgs(args []any) ([]Envelope, error) {
	if len(args) == 0 {
		return nil, nil
	}
	ret := make([]Envelope, len(args))
	for i, a := range args {
		if a == nil {
			continue
		}
		if err := c.encodeInto(&ret[i], a); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// DecodeArgs decodes arguments encoded by EncodeArgs.
func (c *Codec) DecodeArgs(es []Envelope) ([]any, error) {
	if len(es) == 0 {
		return nil, nil
	}
	ret := make([]any, len(es))
	for i := range es {
		v, err := c.decode(&es[i])
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}
