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

// Package iopt implements the I/O page table: the ordered set of Areas
// mapping IOVA ranges to pinned backing memory, the hardware domains and
// in-kernel accesses attached to it, and the map, unmap, attach and detach
// protocols that keep all of them consistent.
package iopt

import (
	"fmt"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/log"
	"iommufd.dev/iommufd/pkg/memsrc"
	"iommufd.dev/iommufd/pkg/rangeset"
	"iommufd.dev/iommufd/pkg/sync"
)

// maxIOVA is the exclusive upper bound of allocatable IOVA space. The top
// page is excluded so that a range's exclusive end never wraps.
const maxIOVA = ^hostarch.Addr(0) &^ hostarch.PageMask

// allocBase is where automatic IOVA allocation starts. IOVA zero is never
// handed out automatically; many devices treat it as a null address.
const allocBase = hostarch.Addr(hostarch.PageSize)

// IOPageTable is one I/O address space: an ordered collection of
// non-overlapping Areas indexed by IOVA, the set of attached hardware
// domains and in-kernel accesses, and the reserved IOVA regions.
//
// Lock order: domainsMu > mu > Pages.mu.
type IOPageTable struct {
	// domainsMu serializes domain attach and detach against map and
	// unmap, so that a domain is never partially populated when a map
	// completes and never retains entries for an Area that has started
	// draining. Map and unmap hold it for reading; attach and detach for
	// writing. It guards domains.
	domainsMu sync.RWMutex

	// mu is the range lock: it guards areas, reserved, accesses and
	// iovaAlignment. Readers (access pins, read/write, lookups) may run
	// concurrently; writers (map, unmap, attach, detach, reservation
	// changes) are exclusive.
	mu sync.RWMutex

	// areas indexes Areas by IOVA.
	areas *rangeset.Set[*Area]

	// domains are the attached hardware domains, in attach order.
	domains []Domain

	// accesses are the attached in-kernel accesses.
	accesses map[*Access]struct{}

	// reserved are forbidden IOVA regions, tagged with an owner so that
	// per-device reservations can be dropped on detach. Reservations from
	// different owners may overlap, so this is a list rather than a set.
	reserved []reservedRegion

	// iovaAlignment is the alignment every Area must satisfy: the maximum
	// of the page size and all attached domains' and accesses' minimum
	// page sizes. It only ever tightens while anything is attached.
	iovaAlignment uint64
}

type reservedRegion struct {
	r     hostarch.AddrRange
	owner any
}

// New returns an empty I/O page table.
func New() *IOPageTable {
	return &IOPageTable{
		areas:         rangeset.New[*Area](rangeset.NoMerge[*Area]{}),
		accesses:      make(map[*Access]struct{}),
		iovaAlignment: hostarch.PageSize,
	}
}

// IOVAAlignment returns the table's current alignment requirement.
func (ipt *IOPageTable) IOVAAlignment() uint64 {
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()
	return ipt.iovaAlignment
}

// MapOpts specifies a request to map backing memory into the table.
type MapOpts struct {
	// Length is the number of bytes to map. It must be a nonzero multiple
	// of the table's alignment.
	Length uint64

	// Offset is the byte offset into the backing at which the mapping
	// begins. It must be a multiple of the table's alignment.
	Offset uint64

	// IOVA is the requested IOVA. If Fixed is true the mapping is placed
	// exactly there; otherwise a nonzero IOVA is a placement hint.
	IOVA hostarch.Addr

	// Fixed specifies whether the mapping must be located at IOVA.
	Fixed bool

	// Perms is the set of accesses the mapping permits.
	Perms hostarch.AccessType
}

// Map creates a Pages over src and maps [Offset, Offset+Length) of it into
// the table, populating every attached domain. On success it returns the
// chosen IOVA; on failure no trace of the mapping remains.
func (ipt *IOPageTable) Map(src memsrc.Source, opts MapOpts) (hostarch.Addr, error) {
	if !opts.Perms.Any() {
		return 0, iopterr.EINVAL
	}
	p := NewPages(src, opts.Perms.Write)
	defer p.DecRef()
	return ipt.MapShared(p, opts)
}

// MapShared maps [Offset, Offset+Length) of an existing Pages into the
// table. The caller's reference on p is unaffected; the new Area holds its
// own. This is the shared-memory path: Areas in different tables may
// reference one Pages.
func (ipt *IOPageTable) MapShared(p *Pages, opts MapOpts) (hostarch.Addr, error) {
	return ipt.MapSharedSpans([]SharedSpan{{Pages: p, Offset: opts.Offset, Length: opts.Length}}, opts)
}

// SharedSpan is one piece of a multi-span mapping: Length bytes of an
// existing Pages starting at byte Offset.
type SharedSpan struct {
	Pages  *Pages
	Offset uint64
	Length uint64
}

// MapSharedSpans maps the spans back to back into one contiguous IOVA
// range, creating one Area per span. This is how a range copied from
// another table, which may cross several of its Areas, lands contiguously
// in this one. opts.Offset and opts.Length are ignored; the geometry comes
// from spans. On success the start of the range is returned; on failure no
// trace of the mapping remains.
func (ipt *IOPageTable) MapSharedSpans(spans []SharedSpan, opts MapOpts) (hostarch.Addr, error) {
	if len(spans) == 0 || !opts.Perms.Any() {
		return 0, iopterr.EINVAL
	}
	var total uint64
	for _, sp := range spans {
		if sp.Length == 0 {
			return 0, iopterr.EINVAL
		}
		end := sp.Offset + sp.Length
		if end < sp.Offset || total+sp.Length < total {
			return 0, iopterr.EOVERFLOW
		}
		if end > sp.Pages.Length() {
			return 0, iopterr.EFAULT
		}
		if opts.Perms.Write && !sp.Pages.Writable() {
			return 0, iopterr.EPERM
		}
		total += sp.Length
	}

	ipt.domainsMu.RLock()
	defer ipt.domainsMu.RUnlock()
	ipt.mu.Lock()
	defer ipt.mu.Unlock()

	align := ipt.iovaAlignment
	for _, sp := range spans {
		if sp.Length%align != 0 || sp.Offset%align != 0 {
			return 0, iopterr.EINVAL
		}
	}

	opts.Length = total
	r, err := ipt.placeLocked(opts)
	if err != nil {
		return 0, err
	}

	areas := make([]*Area, 0, len(spans))
	cur := r.Start
	for _, sp := range spans {
		ar := hostarch.AddrRange{Start: cur, End: cur + hostarch.Addr(sp.Length)}
		area := &Area{
			r:           ar,
			pages:       sp.Pages,
			pagesOffset: sp.Offset,
			perms:       opts.Perms,
			state:       areaPending,
		}
		sp.Pages.IncRef()
		if !ipt.areas.AddWithoutMerging(ar, area) {
			panic(fmt.Sprintf("placed range %v overlaps an existing area", ar))
		}
		areas = append(areas, area)
		cur = ar.End
	}

	drop := func() {
		for _, area := range areas {
			ipt.areas.Remove(area.r)
			area.pages.DecRef()
		}
	}

	// Mirror the new areas into every attached domain; all domains see
	// the whole mapping or none see any of it.
	for i, d := range ipt.domains {
		var fillErr error
		for j, area := range areas {
			if err := area.fillDomain(d); err != nil {
				for _, filled := range areas[:j] {
					filled.unfillDomain(d)
				}
				fillErr = err
				break
			}
		}
		if fillErr != nil {
			for _, filled := range ipt.domains[:i] {
				for _, area := range areas {
					area.unfillDomain(filled)
				}
			}
			drop()
			return 0, fillErr
		}
	}
	for _, area := range areas {
		area.setState(areaInstalled)
	}
	return r.Start, nil
}

// placeLocked chooses the IOVA range for a new mapping.
//
// Preconditions: ipt.mu must be locked for writing. opts.Length is a
// nonzero multiple of ipt.iovaAlignment.
func (ipt *IOPageTable) placeLocked(opts MapOpts) (hostarch.AddrRange, error) {
	if opts.Fixed {
		if !opts.IOVA.IsAligned(ipt.iovaAlignment) {
			return hostarch.AddrRange{}, iopterr.EINVAL
		}
		end, ok := opts.IOVA.AddLength(opts.Length)
		if !ok || end > maxIOVA {
			return hostarch.AddrRange{}, iopterr.EOVERFLOW
		}
		r := hostarch.AddrRange{Start: opts.IOVA, End: end}
		if !ipt.areas.IsEmptyRange(r) || ipt.reservedOverlapLocked(r) != nil {
			return hostarch.AddrRange{}, iopterr.EBUSY
		}
		return r, nil
	}
	if opts.IOVA != 0 {
		if r, ok := ipt.allocLocked(opts.Length, opts.IOVA); ok {
			return r, nil
		}
	}
	if r, ok := ipt.allocLocked(opts.Length, allocBase); ok {
		return r, nil
	}
	// IOVA space exhausted.
	return hostarch.AddrRange{}, iopterr.ENOMEM
}

// allocLocked finds the first free, non-reserved range of the given length
// at or above base, aligned to the table's alignment.
func (ipt *IOPageTable) allocLocked(length uint64, base hostarch.Addr) (hostarch.AddrRange, bool) {
	align := ipt.iovaAlignment
	start, ok := base.AlignUp(align)
	if !ok {
		return hostarch.AddrRange{}, false
	}
	var found hostarch.AddrRange
	var have bool
	ipt.areas.VisitGaps(hostarch.AddrRange{Start: start, End: maxIOVA}, func(gap hostarch.AddrRange) bool {
		cand, ok := gap.Start.AlignUp(align)
		for ok {
			end, eok := cand.AddLength(length)
			if !eok || end > gap.End {
				return true // next gap
			}
			r := hostarch.AddrRange{Start: cand, End: end}
			clash := ipt.reservedOverlapLocked(r)
			if clash == nil {
				found, have = r, true
				return false
			}
			cand, ok = clash.r.End.AlignUp(align)
		}
		return true
	})
	return found, have
}

// reservedOverlapLocked returns a reserved region overlapping r, choosing
// the one extending furthest, or nil.
func (ipt *IOPageTable) reservedOverlapLocked(r hostarch.AddrRange) *reservedRegion {
	var clash *reservedRegion
	for i := range ipt.reserved {
		res := &ipt.reserved[i]
		if res.r.Overlaps(r) && (clash == nil || res.r.End > clash.r.End) {
			clash = res
		}
	}
	return clash
}

// SharedSpansOf returns spans describing how [iova, iova+length) is
// backed, suitable for MapSharedSpans into another table. A reference is
// taken on each span's Pages; the caller must drop them when done.
//
// Errors: EINVAL for a zero length, EOVERFLOW on overflow, ENOENT if the
// range is not fully covered, EBUSY if part of it is being unmapped, EPERM
// if an Area does not permit at.
func (ipt *IOPageTable) SharedSpansOf(iova hostarch.Addr, length uint64, at hostarch.AccessType) ([]SharedSpan, error) {
	if length == 0 {
		return nil, iopterr.EINVAL
	}
	end, ok := iova.AddLength(length)
	if !ok {
		return nil, iopterr.EOVERFLOW
	}
	r := hostarch.AddrRange{Start: iova, End: end}

	ipt.mu.RLock()
	defer ipt.mu.RUnlock()

	var spans []SharedSpan
	fail := func(err error) ([]SharedSpan, error) {
		for _, sp := range spans {
			sp.Pages.DecRef()
		}
		return nil, err
	}
	for cur := r.Start; cur < r.End; {
		seg, ok := ipt.areas.FindSegment(cur)
		if !ok {
			return fail(iopterr.ENOENT)
		}
		area := seg.Value
		if area.preventAccess {
			return fail(iopterr.EBUSY)
		}
		if !area.perms.SupersetOf(at) {
			return fail(iopterr.EPERM)
		}
		sub := seg.Range.Intersect(r)
		area.pages.IncRef()
		spans = append(spans, SharedSpan{
			Pages:  area.pages,
			Offset: area.startByte(sub.Start),
			Length: sub.Length(),
		})
		cur = sub.End
	}
	return spans, nil
}

// Unmap removes all Areas within r, splitting Areas that cross its
// boundaries. For each Area, in IOVA order: access to the Area is cut off,
// every intersecting in-kernel access is notified and drained, every
// attached domain's entries are removed, the pages are released, and only
// then is the Area dropped from the index.
//
// Areas are processed independently: a failure on one Area does not
// resurrect Areas already removed. The first failure is reported.
//
// Errors: EINVAL for a zero-length or malformed range, EOVERFLOW on
// address arithmetic overflow, ENOENT if no Area intersects r, EBUSY if an
// intersecting Area is already being torn down or cannot be split.
func (ipt *IOPageTable) Unmap(iova hostarch.Addr, length uint64) error {
	if length == 0 {
		return iopterr.EINVAL
	}
	end, ok := iova.AddLength(length)
	if !ok {
		return iopterr.EOVERFLOW
	}
	return ipt.unmapRange(hostarch.AddrRange{Start: iova, End: end}, false)
}

// UnmapAll removes every Area from the table.
func (ipt *IOPageTable) UnmapAll() error {
	return ipt.unmapRange(hostarch.AddrRange{Start: 0, End: maxIOVA}, true)
}

func (ipt *IOPageTable) unmapRange(r hostarch.AddrRange, emptyOK bool) error {
	ipt.domainsMu.RLock()
	defer ipt.domainsMu.RUnlock()
	ipt.mu.Lock()

	// Split areas crossing the range's edges so that teardown operates on
	// whole areas.
	var firstErr error
	for _, x := range []hostarch.Addr{r.Start, r.End} {
		if seg, ok := ipt.areas.FindSegment(x); ok && seg.Range.CanSplitAt(x) {
			if err := ipt.splitAreaLocked(seg.Value, x); err != nil {
				ipt.mu.Unlock()
				return err
			}
		}
	}

	var victims []*Area
	ipt.areas.VisitRange(r, func(seg rangeset.Segment[*Area]) bool {
		victims = append(victims, seg.Value)
		return true
	})
	if len(victims) == 0 {
		ipt.mu.Unlock()
		if emptyOK {
			return nil
		}
		return iopterr.ENOENT
	}

	for _, area := range victims {
		if area.state != areaInstalled {
			// Another unmap owns this area's teardown; it may have
			// started, or finished, while this unmap was draining an
			// earlier area.
			if firstErr == nil {
				firstErr = iopterr.EBUSY
			}
			continue
		}
		ipt.teardownAreaLocked(area)
	}
	ipt.mu.Unlock()
	return firstErr
}

// teardownAreaLocked removes one Area. It temporarily drops ipt.mu while
// notifying accesses, so that a slow accessor does not block readers and
// so that the accessor's own unpin calls can take the lock; the Draining
// state keeps the Area's range stable meanwhile.
//
// Preconditions: ipt.domainsMu must be locked (any mode). ipt.mu must be
// locked for writing; it is held on return. area.state == areaInstalled.
func (ipt *IOPageTable) teardownAreaLocked(area *Area) {
	// Cut off new access pins before anything is removed.
	area.preventAccess = true
	area.setState(areaDraining)

	accs := make([]*Access, 0, len(ipt.accesses))
	for a := range ipt.accesses {
		accs = append(accs, a)
	}

	ipt.mu.Unlock()
	if logTeardown {
		log.Debugf("iopt: draining %v", area)
	}
	// Synchronously drain software accessors. Each OnUnmap returns only
	// once the access holds no pins over the range; indefinite blocking
	// here is an accessor bug, not a table fault.
	for _, a := range accs {
		a.ops.OnUnmap(area.r)
	}
	ipt.mu.Lock()

	if n := area.accessesOutstanding(); n != 0 {
		panic(fmt.Sprintf("%v still has %d access pins after drain", area, n))
	}

	// Only after accessors have drained do hardware entries go, and only
	// after that are the pages released.
	for _, d := range ipt.domains {
		area.unfillDomain(d)
	}
	ipt.areas.Remove(area.r)
	area.setState(areaRemoved)
	area.pages.DecRef()
}

// splitAreaLocked splits area at x into two areas sharing the same Pages.
// Domain entries are unaffected: the two halves mirror the same bytes.
//
// An area with outstanding access pins cannot be split, since pins are
// tracked against the whole area; such a split fails with EBUSY.
//
// Preconditions: ipt.mu must be locked for writing.
// area.Range().CanSplitAt(x).
func (ipt *IOPageTable) splitAreaLocked(area *Area, x hostarch.Addr) error {
	if area.state != areaInstalled {
		return iopterr.EBUSY
	}
	if area.accessesOutstanding() != 0 {
		return iopterr.EBUSY
	}
	if !x.IsAligned(ipt.iovaAlignment) {
		return iopterr.EINVAL
	}
	r := area.r
	left := hostarch.AddrRange{Start: r.Start, End: x}
	right := hostarch.AddrRange{Start: x, End: r.End}

	newArea := &Area{
		r:           right,
		pages:       area.pages,
		pagesOffset: area.startByte(x),
		perms:       area.perms,
		state:       areaInstalled,
	}
	area.pages.IncRef()

	// The pages holds for the right half move to the new area; domain
	// entries cover the same IOVA bytes either way, so no domain calls
	// are needed.
	ipt.areas.Remove(r)
	area.r = left
	if !ipt.areas.AddWithoutMerging(left, area) || !ipt.areas.AddWithoutMerging(right, newArea) {
		panic(fmt.Sprintf("area split of %v at %#x collided", r, uint64(x)))
	}
	return nil
}

// AttachDomain populates d with entries mirroring every existing Area and
// adds it to the attached set. On failure the domain holds no entries and
// the table is unchanged.
//
// A domain whose minimum page size is incompatible with existing Areas is
// rejected with EINCOMPATIBLE; the caller may retry with another domain.
// Attaching a domain that is already attached is a programming error.
func (ipt *IOPageTable) AttachDomain(d Domain) error {
	ipt.domainsMu.Lock()
	defer ipt.domainsMu.Unlock()
	for _, have := range ipt.domains {
		if have == d {
			panic("domain attached twice")
		}
	}

	ipt.mu.Lock()
	defer ipt.mu.Unlock()

	newAlign, err := ipt.tightenAlignmentLocked(d.MinPageSize())
	if err != nil {
		return err
	}

	var filled []*Area
	fail := func(err error) error {
		for _, a := range filled {
			a.unfillDomain(d)
		}
		return err
	}
	var fillErr error
	ipt.areas.VisitAll(func(seg rangeset.Segment[*Area]) bool {
		area := seg.Value
		if err := area.fillDomain(d); err != nil {
			fillErr = err
			return false
		}
		filled = append(filled, area)
		return true
	})
	if fillErr != nil {
		return fail(fillErr)
	}

	ipt.domains = append(ipt.domains, d)
	ipt.iovaAlignment = newAlign
	return nil
}

// DetachDomain removes every Area's entries from d and drops it from the
// attached set. It returns ENOENT if d is not attached.
//
// The table's alignment requirement is not loosened on detach; it only
// ever tightens.
func (ipt *IOPageTable) DetachDomain(d Domain) error {
	ipt.domainsMu.Lock()
	defer ipt.domainsMu.Unlock()

	idx := -1
	for i, have := range ipt.domains {
		if have == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		return iopterr.ENOENT
	}

	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	ipt.areas.VisitAll(func(seg rangeset.Segment[*Area]) bool {
		seg.Value.unfillDomain(d)
		return true
	})
	ipt.domains = append(ipt.domains[:idx], ipt.domains[idx+1:]...)
	return nil
}

// tightenAlignmentLocked computes the alignment requirement after adding a
// consumer requiring align, verifying every existing Area satisfies it.
//
// Preconditions: ipt.mu must be locked for writing. align is a power of
// two.
func (ipt *IOPageTable) tightenAlignmentLocked(align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("alignment %#x is not a power of two", align))
	}
	newAlign := ipt.iovaAlignment
	if align > newAlign {
		newAlign = align
	}
	if newAlign == ipt.iovaAlignment {
		return newAlign, nil
	}
	incompatible := false
	ipt.areas.VisitAll(func(seg rangeset.Segment[*Area]) bool {
		a := seg.Value
		if !a.r.Start.IsAligned(newAlign) || a.r.Length()%newAlign != 0 || a.pagesOffset%newAlign != 0 {
			incompatible = true
			return false
		}
		return true
	})
	if incompatible {
		return 0, iopterr.EINCOMPATIBLE
	}
	return newAlign, nil
}

// AddReserved forbids mapping over r. owner tags the reservation so it can
// be removed with RemoveReservedOwner. It fails with EBUSY if the region
// is already occupied by an Area.
func (ipt *IOPageTable) AddReserved(r hostarch.AddrRange, owner any) error {
	if !r.WellFormed() || r.Length() == 0 {
		return iopterr.EINVAL
	}
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	if !ipt.areas.IsEmptyRange(r) {
		return iopterr.EBUSY
	}
	ipt.reserved = append(ipt.reserved, reservedRegion{r: r, owner: owner})
	return nil
}

// RemoveReservedOwner drops every reservation tagged with owner.
func (ipt *IOPageTable) RemoveReservedOwner(owner any) {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	kept := ipt.reserved[:0]
	for _, res := range ipt.reserved {
		if res.owner != owner {
			kept = append(kept, res)
		}
	}
	ipt.reserved = kept
}

// Areas returns the number of Areas in the table.
func (ipt *IOPageTable) Areas() int {
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()
	return ipt.areas.Len()
}

// Domains returns the number of attached domains.
func (ipt *IOPageTable) Domains() int {
	ipt.domainsMu.RLock()
	defer ipt.domainsMu.RUnlock()
	return len(ipt.domains)
}

// FindArea returns the Area containing iova, for callers that need to
// inspect a mapping (permissions, backing) without mutating it.
func (ipt *IOPageTable) FindArea(iova hostarch.Addr) (*Area, bool) {
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()
	seg, ok := ipt.areas.FindSegment(iova)
	if !ok {
		return nil, false
	}
	return seg.Value, true
}

// Destroy tears down the table. All Areas are unmapped; attached domains
// and accesses must already have been detached.
func (ipt *IOPageTable) Destroy() {
	if err := ipt.UnmapAll(); err != nil {
		log.Warningf("iopt: destroy unmap: %v", err)
	}
	ipt.domainsMu.Lock()
	defer ipt.domainsMu.Unlock()
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	if len(ipt.domains) != 0 {
		panic(fmt.Sprintf("table destroyed with %d domains attached", len(ipt.domains)))
	}
	if len(ipt.accesses) != 0 {
		panic(fmt.Sprintf("table destroyed with %d accesses attached", len(ipt.accesses)))
	}
}
