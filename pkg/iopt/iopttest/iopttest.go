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

// Package iopttest provides hardware domain implementations for tests.
package iopttest

import (
	"fmt"

	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/iopt"
	"iommufd.dev/iommufd/pkg/memsrc"
	"iommufd.dev/iommufd/pkg/sync"
)

// Entry is one programmed page translation.
type Entry struct {
	Frame memsrc.Frame
	At    hostarch.AccessType
}

// FakeDomain is an iopt.Domain that records translations in a map, checks
// the Domain contract, and can inject failures.
type FakeDomain struct {
	mu sync.Mutex

	pageSize uint64
	entries  map[hostarch.Addr]Entry

	// failCountdown, when positive, counts Program calls down; the call
	// that reaches zero fails with failErr.
	failCountdown int
	failErr       error
}

// NewFakeDomain returns a FakeDomain with the given minimum page size.
func NewFakeDomain(pageSize uint64) *FakeDomain {
	return &FakeDomain{
		pageSize: pageSize,
		entries:  make(map[hostarch.Addr]Entry),
	}
}

// MinPageSize implements iopt.Domain.MinPageSize.
func (d *FakeDomain) MinPageSize() uint64 {
	return d.pageSize
}

// Program implements iopt.Domain.Program.
func (d *FakeDomain) Program(r hostarch.AddrRange, frames []memsrc.Frame, at hostarch.AccessType) error {
	if !r.IsPageAligned() || r.Length() == 0 {
		panic(fmt.Sprintf("unaligned program range %v", r))
	}
	if want := r.Length() / hostarch.PageSize; uint64(len(frames)) != want {
		panic(fmt.Sprintf("program %v with %d frames, want %d", r, len(frames), want))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCountdown > 0 {
		d.failCountdown--
		if d.failCountdown == 0 {
			return d.failErr
		}
	}
	for i, f := range frames {
		iova := r.Start + hostarch.Addr(uint64(i)*hostarch.PageSize)
		if old, ok := d.entries[iova]; ok {
			panic(fmt.Sprintf("iova %#x programmed twice (frame %#x, then %#x)", uint64(iova), old.Frame, f))
		}
		d.entries[iova] = Entry{Frame: f, At: at}
	}
	return nil
}

// Clear implements iopt.Domain.Clear.
func (d *FakeDomain) Clear(r hostarch.AddrRange) {
	if !r.IsPageAligned() || r.Length() == 0 {
		panic(fmt.Sprintf("unaligned clear range %v", r))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for iova := r.Start; iova < r.End; iova += hostarch.PageSize {
		delete(d.entries, iova)
	}
}

// FailAfter makes the nth Program call from now fail with err; calls
// before and after it succeed.
func (d *FakeDomain) FailAfter(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCountdown = n
	d.failErr = err
}

// Entries returns the number of programmed pages.
func (d *FakeDomain) Entries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Lookup returns the translation of iova's page.
func (d *FakeDomain) Lookup(iova hostarch.Addr) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[iova.RoundDown()]
	return e, ok
}

var _ iopt.Domain = (*FakeDomain)(nil)
