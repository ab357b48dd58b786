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

// Package byteview provides an immutable, reference-counted view over a
// contiguous byte buffer. Views are used to hand metadata and message
// bytes between components without copying on each hop: sharing a view
// increments a reference count, and the backing buffer is recycled once
// the last reference is released.
package byteview

import (
	"sync"
	"sync/atomic"
)

// Backing buffers below this size are never pooled.
const minPooledCap = 64

//nolint:gochecknoglobals
var (
	// emptyData is a shared non-nil zero-length region, so Data on an
	// empty view never returns nil and downstream length-based reads
	// stay safe.
	emptyData = make([]byte, 0)

	bufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, 0, 512)
			return &buf
		},
	}
)

// View is an immutable byte view. The zero value is an empty view.
// Views are value types; share one with another owner via Ref, and
// release each owner's reference with Release. Callers must not mutate
// the slice returned by Data.
type View struct {
	data  []byte
	state *sharedState
}

type sharedState struct {
	refs atomic.Int64
	buf  *[]byte
}

// Empty returns an empty view. Its Data is non-nil and zero-length.
func Empty() View {
	return View{}
}

// FromString builds a view holding a copy of s.
func FromString(s string) View {
	if len(s) == 0 {
		return View{}
	}
	view := newView(len(s))
	copy(view.data, s)
	return view
}

// FromBytes builds a view holding a copy of b. The caller keeps
// ownership of b.
func FromBytes(b []byte) View {
	if len(b) == 0 {
		return View{}
	}
	view := newView(len(b))
	copy(view.data, b)
	return view
}

// Concat drains the given chunks into a single contiguous view. This is
// the shape of data arriving from a chunked transport buffer.
func Concat(chunks ...[]byte) View {
	var total int
	for _, chunk := range chunks {
		total += len(chunk)
	}
	if total == 0 {
		return View{}
	}
	view := newView(total)
	offset := 0
	for _, chunk := range chunks {
		offset += copy(view.data[offset:], chunk)
	}
	return view
}

func newView(size int) View {
	bufPtr, _ := bufPool.Get().(*[]byte)
	buf := *bufPtr
	if cap(buf) < size {
		buf = make([]byte, size)
	} else {
		buf = buf[:size]
	}
	*bufPtr = buf
	state := &sharedState{buf: bufPtr}
	state.refs.Store(1)
	return View{data: buf, state: state}
}

// Data returns the bytes of the view. It never returns nil: an empty
// view yields a valid zero-length slice.
func (v View) Data() []byte {
	if len(v.data) == 0 {
		return emptyData
	}
	return v.data
}

// Len returns the number of bytes in the view.
func (v View) Len() int {
	return len(v.data)
}

// String returns a copy of the view's bytes as a string.
func (v View) String() string {
	return string(v.data)
}

// Ref shares the view with an additional owner and returns the shared
// view. Each Ref must be balanced by exactly one Release.
func (v View) Ref() View {
	if v.state != nil {
		v.state.refs.Add(1)
	}
	return v
}

// Release drops one reference. When the last reference is dropped the
// backing buffer is recycled; using the view afterwards is invalid.
// Releasing an empty view is a no-op. Releasing more times than Ref
// was called panics: the reference count contract has been violated.
func (v View) Release() {
	if v.state == nil {
		return
	}
	switch refs := v.state.refs.Add(-1); {
	case refs == 0:
		if cap(*v.state.buf) >= minPooledCap {
			bufPool.Put(v.state.buf)
		}
		v.state.buf = nil
	case refs < 0:
		panic("byteview: Release of already-released view")
	}
}
