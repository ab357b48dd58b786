// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package argkey canonicalizes connection configuration arguments and
// computes the fingerprints that identify equivalence classes of
// connection configurations.
//
// A configuration is a set of (key, value) pairs where each value is a
// string or an integer. Canonicalization is order-independent: two sets
// holding the same pairs produce the same canonical form no matter how
// the caller assembled them. That property is what allows a connection
// cache to recognize semantically identical configurations supplied in
// different orders.
package argkey

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrInvalidArg indicates that a configuration set cannot be
// canonicalized: it contains an empty key, a null value, a duplicate
// key, or a value of an unsupported type.
var ErrInvalidArg = errors.New("argkey: invalid argument set")

// Kind identifies the type of an argument value.
type Kind int

const (
	// KindUnset is the zero Kind. An Arg with this kind represents a
	// null value and always fails canonicalization.
	KindUnset Kind = iota
	// KindString is a string-valued argument.
	KindString
	// KindInt is an integer-valued argument.
	KindInt
)

// Arg is a single (key, value) configuration pair. The zero value has
// no value set and is rejected by Canonicalize. Use String or Int to
// construct valid arguments.
type Arg struct {
	Key  string
	kind Kind
	str  string
	num  int64
}

// String returns a string-valued argument.
func String(key, value string) Arg {
	return Arg{Key: key, kind: KindString, str: value}
}

// Int returns an integer-valued argument.
func Int(key string, value int64) Arg {
	return Arg{Key: key, kind: KindInt, num: value}
}

// Kind reports the kind of the argument's value.
func (a Arg) Kind() Kind {
	return a.kind
}

// Value returns the canonical string form of the argument's value.
// Integers use their base-10 decimal form with no leading zeros, so
// Int("n", 7) and String("n", "7") canonicalize identically.
func (a Arg) Value() string {
	if a.kind == KindInt {
		return strconv.FormatInt(a.num, 10)
	}
	return a.str
}

// Int64 returns the integer value of the argument and whether the
// argument is integer-valued.
func (a Arg) Int64() (int64, bool) {
	return a.num, a.kind == KindInt
}

// FromMap converts an untyped configuration map into arguments. It
// rejects nil values and values that are neither strings nor integers.
// The order of the returned slice is unspecified; Canonicalize does
// not depend on it.
func FromMap(config map[string]any) ([]Arg, error) {
	args := make([]Arg, 0, len(config))
	for key, value := range config {
		switch v := value.(type) {
		case string:
			args = append(args, String(key, v))
		case int:
			args = append(args, Int(key, int64(v)))
		case int32:
			args = append(args, Int(key, int64(v)))
		case int64:
			args = append(args, Int(key, v))
		case nil:
			return nil, fmt.Errorf("%w: key %q has null value", ErrInvalidArg, key)
		default:
			return nil, fmt.Errorf("%w: key %q has unsupported value type %T", ErrInvalidArg, key, value)
		}
	}
	return args, nil
}

// Canonicalize produces a deterministic byte sequence for the given
// argument set, independent of the order of args. Pairs are sorted by
// key, then by canonical value, and concatenated as key followed by
// value. A zero-length set canonicalizes to an empty sequence.
//
// Canonicalize is pure: it does not retain or mutate args.
func Canonicalize(args []Arg) ([]byte, error) {
	seen := make(map[string]struct{}, len(args))
	sorted := make([]Arg, len(args))
	copy(sorted, args)
	for _, arg := range sorted {
		if arg.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidArg)
		}
		if arg.kind == KindUnset {
			return nil, fmt.Errorf("%w: key %q has no value", ErrInvalidArg, arg.Key)
		}
		if arg.kind != KindString && arg.kind != KindInt {
			return nil, fmt.Errorf("%w: key %q has unsupported kind %d", ErrInvalidArg, arg.Key, arg.kind)
		}
		if _, dup := seen[arg.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidArg, arg.Key)
		}
		seen[arg.Key] = struct{}{}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Value() < sorted[j].Value()
	})
	var size int
	for _, arg := range sorted {
		size += len(arg.Key) + len(arg.Value())
	}
	canon := make([]byte, 0, size)
	for _, arg := range sorted {
		canon = append(canon, arg.Key...)
		canon = append(canon, arg.Value()...)
	}
	return canon, nil
}
