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
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/iopt"
	"iommufd.dev/iommufd/pkg/memsrc"
)

const pageSize = hostarch.PageSize

func TestIOASCopySharesPins(t *testing.T) {
	r := NewRegistry()
	src := r.NewIOAS()
	dst := r.NewIOAS()

	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	iova, err := src.Map(b, iopt.MapOpts{Length: 4 * pageSize, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	dstIOVA, err := src.Copy(dst, iova, 4*pageSize, iopt.MapOpts{Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := dst.Table().Areas(); got != 1 {
		t.Errorf("destination Areas() = %d, want 1", got)
	}

	// Both address spaces read the same memory.
	msg := []byte("shared between spaces")
	srcAccess, err := src.AddAccess(&nopOps{}, 0)
	if err != nil {
		t.Fatalf("AddAccess: %v", err)
	}
	dstAccess, err := dst.AddAccess(&nopOps{}, 0)
	if err != nil {
		t.Fatalf("AddAccess: %v", err)
	}
	if err := srcAccess.ReadWrite(iova, msg, true); err != nil {
		t.Fatalf("write via source: %v", err)
	}
	got := make([]byte, len(msg))
	if err := dstAccess.ReadWrite(dstIOVA, got, false); err != nil {
		t.Fatalf("read via destination: %v", err)
	}
	if string(got) != string(msg) {
		t.Errorf("read %q via destination, want %q", got, msg)
	}

	// With no domains attached, only the transient transfer pins
	// touched the source; nothing stays pinned.
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
	if err := src.RemoveAccess(srcAccess); err != nil {
		t.Fatalf("RemoveAccess: %v", err)
	}
	if err := dst.RemoveAccess(dstAccess); err != nil {
		t.Fatalf("RemoveAccess: %v", err)
	}
}

func TestIOASCopyErrors(t *testing.T) {
	r := NewRegistry()
	src := r.NewIOAS()
	dst := r.NewIOAS()
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	iova, err := src.Map(b, iopt.MapOpts{Length: 2 * pageSize, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, err := src.Copy(dst, iova+4*pageSize, pageSize, iopt.MapOpts{Perms: hostarch.Read}); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("copy of unmapped range: err = %v, want ENOENT", err)
	}
	// The copy cannot grant more than the source allows.
	if _, err := src.Copy(dst, iova, pageSize, iopt.MapOpts{Perms: hostarch.ReadWrite}); !iopterr.Equals(iopterr.EPERM, err) {
		t.Errorf("write copy of read-only mapping: err = %v, want EPERM", err)
	}
	if got := dst.Table().Areas(); got != 0 {
		t.Errorf("failed copies left %d areas", got)
	}
}

func TestIOASDestroyWhileReferenced(t *testing.T) {
	r := NewRegistry()
	ioas := r.NewIOAS()
	got, err := r.Get(ioas.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Destroy(ioas.ID()); !iopterr.Equals(iopterr.EBUSY, err) {
		t.Errorf("Destroy of referenced IOAS: err = %v, want EBUSY", err)
	}
	r.Put(got)
	if err := r.Destroy(ioas.ID()); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

// nopOps is an AccessOps for accesses that never hold pins.
type nopOps struct{}

func (*nopOps) OnUnmap(hostarch.AddrRange) {}
