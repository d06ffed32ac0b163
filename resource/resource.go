// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package resource defines the ordering contract of exchanged resource
// values and the policy used to merge the answers several sources give
// for the same resource.
//
// A resource value is either a scalar (any single value) or a
// collection (a slice, an array, a set-like map, or a [Collection]).
// Scalars are ordered by their key; see [Keyed] and [Compare].
package resource

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Keyed is implemented by payload types that order and deduplicate by a
// key other than themselves, such as an ID or a version.
type Keyed interface {
	Key() any
}

// Comparer is implemented by keys that define their own order.
// Compare must return [Incomparable] for values it cannot order.
type Comparer interface {
	Compare(other any) Ordering
}

// Collection is implemented by payload types that hold several
// resource values and must be merged as a union.
type Collection interface {
	Items() []any
}

// Ordering is the result of comparing two keys.
type Ordering int8

const (
	Less         Ordering = -1
	Equal        Ordering = 0
	Greater      Ordering = 1
	Incomparable Ordering = 2
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	case Incomparable:
		return "incomparable"
	}
	return fmt.Sprintf("Ordering(%d)", int8(o))
}

// KeyOf returns the comparison key of v: v.Key() if v is [Keyed],
// otherwise v itself.
func KeyOf(v any) any {
	if k, ok := v.(Keyed); ok {
		return k.Key()
	}
	return v
}

// Compare orders a and b by their keys.
//
// Strings order with strings, numbers of any Go numeric kind order
// with each other, booleans with booleans and times with times. Keys
// implementing [Comparer] decide for themselves. Anything else is
// [Incomparable], as is a NaN.
func Compare(a, b any) Ordering {
	return compareKeys(KeyOf(a), KeyOf(b))
}

func compareKeys(a, b any) Ordering {
	if a == nil || b == nil {
		return Incomparable
	}
	if c, ok := a.(Comparer); ok {
		return c.Compare(b)
	}
	if c, ok := b.(Comparer); ok {
		switch c.Compare(a) {
		case Less:
			return Greater
		case Greater:
			return Less
		case Equal:
			return Equal
		}
		return Incomparable
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return Ordering(ta.Compare(tb))
		}
		return Incomparable
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case va.Kind() == reflect.String && vb.Kind() == reflect.String:
		return Ordering(cmp.Compare(va.String(), vb.String()))
	case va.Kind() == reflect.Bool && vb.Kind() == reflect.Bool:
		x, y := va.Bool(), vb.Bool()
		switch {
		case x == y:
			return Equal
		case y:
			return Less
		}
		return Greater
	}
	na, okA := toNumber(va)
	nb, okB := toNumber(vb)
	if okA && okB {
		return na.compare(nb)
	}
	return Incomparable
}

// number is a numeric key widened to one of three representations.
type number struct {
	kind byte // 'i', 'u' or 'f'
	i    int64
	u    uint64
	f    float64
}

func toNumber(v reflect.Value) (number, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{kind: 'i', i: v.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{kind: 'u', u: v.Uint()}, true
	case reflect.Float32, reflect.Float64:
		return number{kind: 'f', f: v.Float()}, true
	}
	return number{}, false
}

func (n number) float() float64 {
	switch n.kind {
	case 'i':
		return float64(n.i)
	case 'u':
		return float64(n.u)
	}
	return n.f
}

func (n number) compare(m number) Ordering {
	switch {
	case n.kind == 'i' && m.kind == 'i':
		return Ordering(cmp.Compare(n.i, m.i))
	case n.kind == 'u' && m.kind == 'u':
		return Ordering(cmp.Compare(n.u, m.u))
	case n.kind == 'i' && m.kind == 'u':
		if n.i < 0 {
			return Less
		}
		return Ordering(cmp.Compare(uint64(n.i), m.u))
	case n.kind == 'u' && m.kind == 'i':
		if m.i < 0 {
			return Greater
		}
		return Ordering(cmp.Compare(n.u, uint64(m.i)))
	}
	x, y := n.float(), m.float()
	if math.IsNaN(x) || math.IsNaN(y) {
		return Incomparable
	}
	return Ordering(cmp.Compare(x, y))
}

// hashKey returns a map key under which equal keys collide, and false
// if k cannot be used as a map key. Numbers are canonicalized so that
// int 1, uint64 1 and float64 1.0 collide.
func hashKey(k any) (any, bool) {
	if k == nil {
		return nil, true
	}
	v := reflect.ValueOf(k)
	if n, ok := toNumber(v); ok {
		switch n.kind {
		case 'i':
			return n.i, true
		case 'u':
			if n.u <= math.MaxInt64 {
				return int64(n.u), true
			}
			return n.u, true
		}
		if n.f == math.Trunc(n.f) && math.Abs(n.f) < 1<<53 {
			return int64(n.f), true
		}
		return n.f, true
	}
	if v.Kind() == reflect.String {
		return v.String(), true
	}
	if !v.Comparable() {
		return nil, false
	}
	return k, true
}
