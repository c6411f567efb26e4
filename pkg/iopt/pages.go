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
	"iommufd.dev/iommufd/pkg/rangeset"
	"iommufd.dev/iommufd/pkg/refs"
	"iommufd.dev/iommufd/pkg/sync"
)

// Pages is the pinned-page bookkeeping for one contiguous extent of backing
// memory. It tracks, per page, how many logical holders (hardware domains
// and in-kernel accesses) currently reference the page, and pins the page
// in the backing Source exactly while that count is nonzero.
//
// A Pages may be referenced by Areas in different I/O page tables; all
// mutation of its counts goes through its own mutex, so tables sharing a
// Pages pin and unpin independently without contending on each other's
// range locks.
//
// Lock order: IOPageTable.domainsMu > IOPageTable.mu > Pages.mu.
type Pages struct {
	refs refs.Refs

	src      memsrc.Source
	length   uint64
	writable bool

	mu sync.Mutex

	// users is a run-length encoding of per-page holder counts, keyed by
	// byte offset into the extent. Pages with no covering segment have
	// count zero and are not pinned in src.
	//
	// users is kept page-aligned and fully merged outside of mutations.
	users *rangeset.Set[uint32]

	// frames[i] is the frame backing page i. Valid iff some holder covers
	// page i.
	frames []memsrc.Frame
}

// userCountFuncs merges equal holder counts and splits by copying.
type userCountFuncs struct{}

func (userCountFuncs) Merge(_ hostarch.AddrRange, v1 uint32, _ hostarch.AddrRange, v2 uint32) (uint32, bool) {
	return v1, v1 == v2
}

func (userCountFuncs) Split(_ hostarch.AddrRange, v uint32, _ hostarch.Addr) (uint32, uint32) {
	return v, v
}

// NewPages creates a Pages covering all of src, with one reference held by
// the caller. writable is true if any consumer will request write access;
// it determines the access type used for physical pinning.
func NewPages(src memsrc.Source, writable bool) *Pages {
	length := src.Length()
	if length == 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("invalid source length %#x", length))
	}
	p := &Pages{
		src:      src,
		length:   length,
		writable: writable,
		users:    rangeset.New[uint32](userCountFuncs{}),
		frames:   make([]memsrc.Frame, length/hostarch.PageSize),
	}
	p.refs.InitRefs()
	return p
}

// IncRef adds a reference, on behalf of a new Area.
func (p *Pages) IncRef() {
	p.refs.IncRef()
}

// DecRef drops a reference. When the last referencing Area is gone the
// Pages is dead; by then all holds must have been released.
func (p *Pages) DecRef() {
	p.refs.DecRef(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.users.IsEmpty() {
			panic(fmt.Sprintf("pages destroyed with outstanding holds: %v", p.users))
		}
	})
}

// Source returns the backing memory source.
func (p *Pages) Source() memsrc.Source {
	return p.src
}

// Length returns the extent's length in bytes.
func (p *Pages) Length() uint64 {
	return p.length
}

// Writable returns true if the Pages pins for write access.
func (p *Pages) Writable() bool {
	return p.writable
}

func (p *Pages) pinAccess() hostarch.AccessType {
	if p.writable {
		return hostarch.ReadWrite
	}
	return hostarch.Read
}

// checkRange panics if fr is not a page-aligned, non-empty range within the
// extent. Counts are tracked precisely, so a malformed range here is a
// caller bug, not a recoverable error.
func (p *Pages) checkRange(fr hostarch.AddrRange) {
	if !fr.WellFormed() || fr.Length() == 0 || !fr.IsPageAligned() || uint64(fr.End) > p.length {
		panic(fmt.Sprintf("invalid pages range %v (extent length %#x)", fr, p.length))
	}
}

// span records one step of incUsersLocked for unwinding.
type span struct {
	r hostarch.AddrRange

	// covered is true if the span had a nonzero count before the
	// increment; false means the span was physically pinned by this call.
	covered bool

	// count is the pre-increment count for covered spans.
	count uint32
}

// incUsersLocked adds one logical holder to every page in fr, physically
// pinning pages whose count was zero. On error no page's count has changed
// and no new physical pins remain.
//
// Preconditions: p.mu must be locked. fr passes checkRange.
func (p *Pages) incUsersLocked(fr hostarch.AddrRange) error {
	p.users.Isolate(fr)
	var done []span
	for cur := fr.Start; cur < fr.End; {
		seg, ok := p.users.LowerBoundSegment(cur)
		var sp span
		if ok && seg.Range.Contains(cur) {
			// Isolate bounded segments to fr, so seg lies entirely in fr
			// and starts exactly at cur.
			sp = span{r: seg.Range, covered: true, count: seg.Value}
		} else {
			gapEnd := fr.End
			if ok && seg.Range.Start < fr.End {
				gapEnd = seg.Range.Start
			}
			sp = span{r: hostarch.AddrRange{Start: cur, End: gapEnd}}
		}
		if sp.covered {
			p.users.SetValue(sp.r, sp.count+1)
		} else {
			frames, err := p.src.Pin(sp.r, p.pinAccess())
			if err != nil {
				p.undoIncLocked(done)
				return err
			}
			copy(p.frames[sp.r.Start.PageIndex():], frames)
			p.users.AddWithoutMerging(sp.r, 1)
		}
		done = append(done, sp)
		cur = sp.r.End
	}
	p.users.MergeAdjacent(fr)
	return nil
}

// undoIncLocked reverts the completed steps of a failed incUsersLocked.
// MergeAdjacent has not run, so every span's range is still an exact
// segment.
func (p *Pages) undoIncLocked(done []span) {
	for _, sp := range done {
		if sp.covered {
			p.users.SetValue(sp.r, sp.count)
		} else {
			p.users.Remove(sp.r)
			p.src.Unpin(sp.r)
		}
	}
}

// decUsersLocked removes one logical holder from every page in fr,
// physically unpinning pages whose count reaches zero. A decrement of a
// page with no holders is a programming error and panics.
//
// Preconditions: p.mu must be locked. fr passes checkRange.
func (p *Pages) decUsersLocked(fr hostarch.AddrRange) {
	if got := p.users.SpanRange(fr); got != fr.Length() {
		panic(fmt.Sprintf("unpin of %v without matching pin (only %#x bytes held)", fr, got))
	}
	p.users.Isolate(fr)
	p.users.VisitRange(fr, func(seg rangeset.Segment[uint32]) bool {
		if seg.Value == 1 {
			p.users.Remove(seg.Range)
			p.src.Unpin(seg.Range)
		} else {
			p.users.SetValue(seg.Range, seg.Value-1)
		}
		return true
	})
	p.users.MergeAdjacent(fr)
}

// framesLocked returns the frames backing fr, one per page in ascending
// order.
//
// Preconditions: p.mu must be locked. Every page in fr has a nonzero
// holder count.
func (p *Pages) framesLocked(fr hostarch.AddrRange) []memsrc.Frame {
	return p.frames[fr.Start.PageIndex():fr.End.PageIndex()]
}

// Pin adds a holder over fr and returns the backing frames. The caller
// owns one logical reference per page until the matching Unpin.
func (p *Pages) Pin(fr hostarch.AddrRange) ([]memsrc.Frame, error) {
	p.checkRange(fr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.incUsersLocked(fr); err != nil {
		return nil, err
	}
	// Copy out: p.frames may be overwritten once the holder count drops
	// to zero and the range is re-pinned.
	frames := make([]memsrc.Frame, fr.Length()/hostarch.PageSize)
	copy(frames, p.framesLocked(fr))
	return frames, nil
}

// Unpin removes a holder over fr, undoing a previous Pin.
func (p *Pages) Unpin(fr hostarch.AddrRange) {
	p.checkRange(fr)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decUsersLocked(fr)
}

// fillDomain pins pages in fr and programs them into d at IOVA range r.
// On error no entries and no holds remain.
//
// Preconditions: fr passes checkRange. r.Length() == fr.Length().
func (p *Pages) fillDomain(d Domain, r hostarch.AddrRange, fr hostarch.AddrRange, at hostarch.AccessType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.incUsersLocked(fr); err != nil {
		return err
	}
	if err := d.Program(r, p.framesLocked(fr), at); err != nil {
		p.decUsersLocked(fr)
		return err
	}
	return nil
}

// unfillDomain removes d's entries over IOVA range r and drops the
// corresponding holds over fr.
func (p *Pages) unfillDomain(d Domain, r hostarch.AddrRange, fr hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d.Clear(r)
	p.decUsersLocked(fr)
}

// ReadWrite copies bytes between buf and the extent at byte offset off,
// transiently pinning the covered pages for the duration of the copy. No
// holds remain after it returns.
func (p *Pages) ReadWrite(off uint64, buf []byte, write bool) error {
	if len(buf) == 0 {
		return nil
	}
	start := hostarch.Addr(off).RoundDown()
	end, ok := hostarch.Addr(off + uint64(len(buf))).RoundUp()
	if !ok || off+uint64(len(buf)) < off {
		panic(fmt.Sprintf("pages read/write wraps: off=%#x len=%#x", off, len(buf)))
	}
	fr := hostarch.AddrRange{Start: start, End: end}
	p.checkRange(fr)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.incUsersLocked(fr); err != nil {
		return err
	}
	defer p.decUsersLocked(fr)
	var err error
	if write {
		_, err = p.src.WriteAt(buf, off)
	} else {
		_, err = p.src.ReadAt(buf, off)
	}
	return err
}
