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

// Package iommufd implements the control plane over the I/O page table:
// the object registry, I/O address spaces, hardware page tables, and
// device attachment.
package iommufd

import (
	"fmt"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/refs"
	"iommufd.dev/iommufd/pkg/sync"
)

// ID identifies an object in a Registry. Zero is never a valid ID.
type ID uint32

// Object is anything a Registry can hold. Implementations embed ObjectRef
// and are constructed in two phases: an ID is reserved first, then the
// initialized object is published under it. An object aborted before
// publication was never visible.
type Object interface {
	objectRef() *ObjectRef

	// Destroy releases the object's resources. The registry calls it
	// exactly once, after the object has been removed and its last
	// reference dropped.
	Destroy()
}

// ObjectRef is the registry bookkeeping embedded in every Object.
type ObjectRef struct {
	refs refs.Refs
	id   ID
}

func (o *ObjectRef) objectRef() *ObjectRef { return o }

// ID returns the object's registry ID.
func (o *ObjectRef) ID() ID { return o.id }

// Registry is a table of refcounted objects addressed by ID.
type Registry struct {
	mu sync.Mutex

	// objects maps IDs to published objects. A nil value is a reserved
	// ID whose object is still being initialized; lookups treat it as
	// absent.
	objects map[ID]Object
	nextID  ID

	// groups is the group-keyed device registry; see device.go. It has
	// its own lock because attach and detach take it while holding
	// object references, never the other way around.
	groupsMu sync.Mutex
	groups   map[uint32]*Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[ID]Object),
		groups:  make(map[uint32]*Group),
	}
}

// Reserve allocates an ID for an object under construction. The ID is not
// visible to Get until Publish.
func (r *Registry) Reserve() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.objects[id] = nil
	return id
}

// Publish makes obj visible under a reserved id, with one reference held
// by the registry itself.
func (r *Registry) Publish(id ID, obj Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.objects[id]; !ok || have != nil {
		panic(fmt.Sprintf("publish of id %d in state %v", id, have))
	}
	o := obj.objectRef()
	o.id = id
	o.refs.InitRefs()
	r.objects[id] = obj
}

// Abort releases a reserved id whose object will not be published.
func (r *Registry) Abort(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.objects[id]; !ok || have != nil {
		panic(fmt.Sprintf("abort of id %d in state %v", id, have))
	}
	delete(r.objects, id)
}

// Get returns the object published under id with a new reference, or
// ENOENT. The caller must pair it with Put.
func (r *Registry) Get(id ID) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := r.objects[id]
	if obj == nil {
		return nil, iopterr.ENOENT
	}
	if !obj.objectRef().refs.TryIncRef() {
		// Lost a race with destruction.
		return nil, iopterr.ENOENT
	}
	return obj, nil
}

// Put drops a reference obtained from Get.
func (r *Registry) Put(obj Object) {
	obj.objectRef().refs.DecRef(obj.Destroy)
}

// Destroy removes the object published under id and drops the registry's
// reference. At most one caller can succeed for a given object. It fails
// with EBUSY if other references are outstanding, so an object in use is
// never torn down underneath its users.
func (r *Registry) Destroy(id ID) error {
	r.mu.Lock()
	obj := r.objects[id]
	if obj == nil {
		r.mu.Unlock()
		return iopterr.ENOENT
	}
	if obj.objectRef().refs.ReadRefs() > 1 {
		r.mu.Unlock()
		return iopterr.EBUSY
	}
	delete(r.objects, id)
	r.mu.Unlock()
	obj.objectRef().refs.DecRef(obj.Destroy)
	return nil
}

// Objects returns the number of published objects.
func (r *Registry) Objects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, obj := range r.objects {
		if obj != nil {
			n++
		}
	}
	return n
}
