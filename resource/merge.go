// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"reflect"
	"slices"
)

// IsCollection reports whether v is a collection value: a [Collection],
// a slice or array other than a byte string, or a set-like map (one
// whose values are struct{} or bool, with the keys as members).
func IsCollection(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(Collection); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Map:
		switch rv.Type().Elem().Kind() {
		case reflect.Bool:
			return true
		case reflect.Struct:
			return rv.Type().Elem().NumField() == 0
		}
	}
	return false
}

// Items returns the members of v. A collection yields its members, a
// scalar yields a one-element slice, and nil yields nil.
//
// For a map[K]bool set only the keys mapped to true are members.
func Items(v any) []any {
	if v == nil {
		return nil
	}
	if !IsCollection(v) {
		return []any{v}
	}
	if c, ok := v.(Collection); ok {
		return c.Items()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map {
		ret := make([]any, 0, rv.Len())
		isBool := rv.Type().Elem().Kind() == reflect.Bool
		iter := rv.MapRange()
		for iter.Next() {
			if isBool && !iter.Value().Bool() {
				continue
			}
			ret = append(ret, iter.Key().Interface())
		}
		return ret
	}
	ret := make([]any, rv.Len())
	for i := range rv.Len() {
		ret[i] = rv.Index(i).Interface()
	}
	return ret
}

// ItemsOf returns the members of v that have type T.
// It is a convenience for consumers of a merged collection.
func ItemsOf[T any](v any) []T {
	var ret []T
	for _, it := range Items(v) {
		if t, ok := it.(T); ok {
			ret = append(ret, t)
		}
	}
	return ret
}

// Merge folds the answers given by several sources for one resource
// into a single answer. Nil answers are absent sources and are skipped.
//
// If no answer is present, Merge returns nil.
//
// If any answer is a collection, the result is the union of all
// answers as a []any, a scalar answer counting as a one-element set.
// Members are deduplicated by key and kept in first-seen order, though
// callers must not rely on that order.
//
// Otherwise the answers are folded left to right keeping the greater
// value by [Compare]. When two values are incomparable the value
// already accumulated is kept.
func Merge(answers []any) any {
	present := make([]any, 0, len(answers))
	for _, a := range answers {
		if a != nil {
			present = append(present, a)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if slices.ContainsFunc(present, IsCollection) {
		return union(present)
	}
	var best any
	for _, a := range present {
		best = pickBetter(best, a)
	}
	return best
}

// pickBetter returns the better of the accumulated value cur and
// candidate. Ties and incomparable pairs keep cur.
func pickBetter(cur, candidate any) any {
	if cur == nil {
		return candidate
	}
	if Compare(candidate, cur) == Greater {
		return candidate
	}
	return cur
}

func union(answers []any) []any {
	ret := []any{}
	seen := map[any]bool{}
	var unhashed []any // members whose keys can't be map keys
	for _, a := range answers {
		for _, it := range Items(a) {
			if it == nil {
				continue
			}
			k := KeyOf(it)
			if hk, ok := hashKey(k); ok {
				if seen[hk] {
					continue
				}
				seen[hk] = true
			} else {
				if slices.ContainsFunc(unhashed, func(u any) bool { return sameKey(KeyOf(u), k) }) {
					continue
				}
				unhashed = append(unhashed, it)
			}
			ret = append(ret, it)
		}
	}
	return ret
}

func sameKey(a, b any) bool {
	if o := compareKeys(a, b); o != Incomparable {
		return o == Equal
	}
	return reflect.DeepEqual(a, b)
}
