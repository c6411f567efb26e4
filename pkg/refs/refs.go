// Copyright 2024 The iommufd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refs defines reference counting for objects shared between the
// I/O page table and its consumers.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are
// reference counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	DecRef()
}

// Refs implements a reference count using atomic operations and calls the
// destructor when the count reaches zero.
//
// The zero value of Refs has a reference count of zero; InitRefs must be
// called before the first IncRef.
type Refs struct {
	// refCount holds two counters:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef to avoid a
	// CompareAndSwap loop; see TryIncRef for details.
	refCount atomic.Int64
}

const speculativeRef = 1 << 32

// InitRefs initializes r with one reference.
func (r *Refs) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef implements RefCounter.IncRef.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("refs: incrementing non-positive count %d", int32(v)-1))
	}
}

// TryIncRef attempts to increment the reference count, but may fail if all
// references have already been dropped. It returns true on success.
//
// A speculative reference is first acquired on the object, which allows
// concurrent TryIncRef calls to distinguish other TryIncRef calls from
// genuine references held.
func (r *Refs) TryIncRef() bool {
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}
	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count, calling destroy when it reaches
// zero. destroy may be nil.
func (r *Refs) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case int32(v) < 0:
		panic(fmt.Sprintf("refs: decrementing non-positive count %d", int32(v)+1))
	case int32(v) == 0:
		if destroy != nil {
			destroy()
		}
	}
}
