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

package iopt

import (
	"fmt"

	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/memsrc"
)

// areaState tracks an Area through its life. Transitions only move
// forward; no state is ever skipped.
type areaState int

const (
	// areaPending: inserted into the index, attached domains not yet
	// populated.
	areaPending areaState = iota

	// areaInstalled: populated in every attached domain.
	areaInstalled

	// areaDraining: unmap has begun; new access pins are refused, and
	// existing access pins are being released.
	areaDraining

	// areaRemoved: torn down and out of the index.
	areaRemoved
)

func (s areaState) String() string {
	switch s {
	case areaPending:
		return "Pending"
	case areaInstalled:
		return "Installed"
	case areaDraining:
		return "Draining"
	case areaRemoved:
		return "Removed"
	default:
		return fmt.Sprintf("areaState(%d)", int(s))
	}
}

// Area is one mapped sub-range of IOVA space, referencing a Pages at some
// offset. It is the unit of IOVA reservation. Multiple Areas, possibly in
// different I/O page tables, may reference the same Pages.
//
// An Area's IOVA range is immutable once installed. All fields other than
// numAccesses are guarded by the owning table's mu; numAccesses is guarded
// by pages.mu so that access pin paths, which hold the table's mu only for
// reading, can update it.
type Area struct {
	// r is the area's IOVA range.
	r hostarch.AddrRange

	// pages is the backing store; the area holds one reference.
	pages *Pages

	// pagesOffset is the byte offset of r.Start within pages.
	pagesOffset uint64

	// perms bounds the access directions the area permits.
	perms hostarch.AccessType

	state areaState

	// preventAccess is set when the area starts draining, before anything
	// is removed, closing the race where a new access pin could begin on
	// a range mid-teardown.
	preventAccess bool

	// numAccesses counts outstanding access pin ranges. Guarded by
	// pages.mu.
	numAccesses int
}

// Range returns the area's IOVA range.
func (a *Area) Range() hostarch.AddrRange {
	return a.r
}

// Perms returns the area's permission bits.
func (a *Area) Perms() hostarch.AccessType {
	return a.perms
}

// Pages returns the area's backing store.
func (a *Area) Pages() *Pages {
	return a.pages
}

// PagesOffset returns the byte offset of the area within its Pages.
func (a *Area) PagesOffset() uint64 {
	return a.pagesOffset
}

// pagesRange returns the byte range of the area within its Pages.
func (a *Area) pagesRange() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: hostarch.Addr(a.pagesOffset),
		End:   hostarch.Addr(a.pagesOffset + a.r.Length()),
	}
}

// pagesRangeOf returns the byte range within the area's Pages backing the
// IOVA range r.
//
// Preconditions: a.r.IsSupersetOf(r).
func (a *Area) pagesRangeOf(r hostarch.AddrRange) hostarch.AddrRange {
	if checkInvariants {
		if !a.r.IsSupersetOf(r) {
			panic(fmt.Sprintf("range %v outside area %v", r, a.r))
		}
	}
	off := hostarch.Addr(a.pagesOffset)
	return hostarch.AddrRange{
		Start: off + (r.Start - a.r.Start),
		End:   off + (r.End - a.r.Start),
	}
}

// startByte returns the byte offset within the area's Pages of the given
// IOVA.
func (a *Area) startByte(iova hostarch.Addr) uint64 {
	return a.pagesOffset + uint64(iova-a.r.Start)
}

// setState advances the area's state machine, panicking on any transition
// that skips or re-enters a state.
func (a *Area) setState(next areaState) {
	if next != a.state+1 {
		panic(fmt.Sprintf("invalid area state transition %v -> %v", a.state, next))
	}
	a.state = next
}

// fillDomain populates d with entries mirroring the area.
func (a *Area) fillDomain(d Domain) error {
	return a.pages.fillDomain(d, a.r, a.pagesRange(), a.perms)
}

// unfillDomain removes the area's entries from d and drops the matching
// holds.
func (a *Area) unfillDomain(d Domain) {
	a.pages.unfillDomain(d, a.r, a.pagesRange())
}

// addAccess pins the pages backing IOVA range r on behalf of an in-kernel
// access, returning the covering frames.
//
// Preconditions: a.r.IsSupersetOf(r). r is page-aligned relative to the
// area's backing.
func (a *Area) addAccess(r hostarch.AddrRange) ([]memsrc.Frame, error) {
	fr := a.pagesRangeOf(r)
	p := a.pages
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.incUsersLocked(fr); err != nil {
		return nil, err
	}
	a.numAccesses++
	frames := make([]memsrc.Frame, fr.Length()/hostarch.PageSize)
	copy(frames, p.framesLocked(fr))
	return frames, nil
}

// removeAccess undoes addAccess over r.
func (a *Area) removeAccess(r hostarch.AddrRange) {
	fr := a.pagesRangeOf(r)
	p := a.pages
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.numAccesses <= 0 {
		panic("access removed from area with no accesses")
	}
	a.numAccesses--
	p.decUsersLocked(fr)
}

// accessesOutstanding returns the number of outstanding access pin ranges.
func (a *Area) accessesOutstanding() int {
	a.pages.mu.Lock()
	defer a.pages.mu.Unlock()
	return a.numAccesses
}

// String formats the area for debugging.
func (a *Area) String() string {
	return fmt.Sprintf("area %v %v %v pages+%#x", a.r, a.perms, a.state, a.pagesOffset)
}
