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

package iommufd

import (
	"testing"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
)

// testObject is a minimal registry object.
type testObject struct {
	ObjectRef
	destroyed bool
}

func (o *testObject) Destroy() {
	if o.destroyed {
		panic("object destroyed twice")
	}
	o.destroyed = true
}

func TestRegistryTwoPhase(t *testing.T) {
	r := NewRegistry()
	id := r.Reserve()

	// A reserved ID is not visible.
	if _, err := r.Get(id); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("Get of reserved id: err = %v, want ENOENT", err)
	}

	obj := &testObject{}
	r.Publish(id, obj)
	got, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != obj {
		t.Errorf("Get returned %v, want %v", got, obj)
	}
	r.Put(got)

	if obj.ID() != id {
		t.Errorf("ID() = %d, want %d", obj.ID(), id)
	}
}

func TestRegistryAbort(t *testing.T) {
	r := NewRegistry()
	id := r.Reserve()
	r.Abort(id)
	if _, err := r.Get(id); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("Get of aborted id: err = %v, want ENOENT", err)
	}
	if got := r.Objects(); got != 0 {
		t.Errorf("Objects() = %d, want 0", got)
	}
}

func TestRegistryDestroy(t *testing.T) {
	r := NewRegistry()
	id := r.Reserve()
	obj := &testObject{}
	r.Publish(id, obj)

	// A held reference blocks destruction.
	got, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Destroy(id); !iopterr.Equals(iopterr.EBUSY, err) {
		t.Errorf("Destroy with reference held: err = %v, want EBUSY", err)
	}
	if obj.destroyed {
		t.Fatal("object destroyed while referenced")
	}
	r.Put(got)

	if err := r.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !obj.destroyed {
		t.Error("object not destroyed")
	}
	// Only one destroyer can win.
	if err := r.Destroy(id); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("second Destroy: err = %v, want ENOENT", err)
	}
}

func TestRegistryGetAfterDestroy(t *testing.T) {
	r := NewRegistry()
	id := r.Reserve()
	r.Publish(id, &testObject{})
	if err := r.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := r.Get(id); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("Get after destroy: err = %v, want ENOENT", err)
	}
}
