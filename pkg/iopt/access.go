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

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/memsrc"
)

// AccessOps is implemented by in-kernel access users: software consumers
// of the I/O address space that hold page pins without a hardware domain.
type AccessOps interface {
	// OnUnmap tells the access that r is being unmapped. It must release
	// every pin the access holds within r before returning; after it
	// returns, frames previously pinned in r must no longer be used.
	//
	// OnUnmap is called without any table locks held, so it may call
	// UnpinPages. It must not pin new pages in r; those fail with EBUSY.
	OnUnmap(r hostarch.AddrRange)
}

// Access is an attached in-kernel access.
type Access struct {
	ipt *IOPageTable
	ops AccessOps

	// align is the access's required IOVA alignment for pins.
	align uint64
}

// AddAccess attaches an in-kernel access to the table. align is the
// access's minimum page size, or zero for byte granularity; like a domain
// attach, it may tighten the table's alignment requirement and fails with
// EINCOMPATIBLE if existing Areas cannot satisfy it.
func (ipt *IOPageTable) AddAccess(ops AccessOps, align uint64) (*Access, error) {
	if align == 0 {
		align = 1
	}
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	newAlign, err := ipt.tightenAlignmentLocked(align)
	if err != nil {
		return nil, err
	}
	a := &Access{ipt: ipt, ops: ops, align: align}
	ipt.accesses[a] = struct{}{}
	ipt.iovaAlignment = newAlign
	return a, nil
}

// RemoveAccess detaches a. The caller must have released every pin the
// access holds. It returns ENOENT if a is not attached.
func (ipt *IOPageTable) RemoveAccess(a *Access) error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	if _, ok := ipt.accesses[a]; !ok {
		return iopterr.ENOENT
	}
	delete(ipt.accesses, a)
	return nil
}

// pinnedSpan records one area's worth of a pin walk, for unwinding.
type pinnedSpan struct {
	area *Area
	r    hostarch.AddrRange
}

// PinPages pins [iova, iova+length) and returns one Frame per page, in
// IOVA order. The range must be covered by Areas permitting at, and both
// ends must satisfy the access's alignment. On failure nothing remains
// pinned.
//
// Frames stay valid until the caller unpins them or OnUnmap covers them.
func (a *Access) PinPages(iova hostarch.Addr, length uint64, at hostarch.AccessType) ([]memsrc.Frame, error) {
	r, err := a.pinRange(iova, length)
	if err != nil {
		return nil, err
	}

	ipt := a.ipt
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()

	var frames []memsrc.Frame
	var pinned []pinnedSpan
	unwind := func() {
		for _, ps := range pinned {
			ps.area.removeAccess(ps.r)
		}
	}
	for cur := r.Start; cur < r.End; {
		seg, ok := ipt.areas.FindSegment(cur)
		if !ok {
			unwind()
			return nil, iopterr.ENOENT
		}
		area := seg.Value
		if area.preventAccess {
			unwind()
			return nil, iopterr.EBUSY
		}
		if !area.perms.SupersetOf(at) {
			unwind()
			return nil, iopterr.EPERM
		}
		sub := seg.Range.Intersect(r)
		if !sub.Start.IsPageAligned() || !sub.End.IsPageAligned() {
			// The walk entered or leaves this area off a page boundary.
			unwind()
			return nil, iopterr.EINVAL
		}
		fs, err := area.addAccess(sub)
		if err != nil {
			unwind()
			return nil, err
		}
		pinned = append(pinned, pinnedSpan{area: area, r: sub})
		frames = append(frames, fs...)
		cur = sub.End
	}
	return frames, nil
}

// UnpinPages releases pins taken by PinPages over exactly [iova,
// iova+length). Unpinning pages that were not pinned is a fatal
// programming error.
func (a *Access) UnpinPages(iova hostarch.Addr, length uint64) {
	r, err := a.pinRange(iova, length)
	if err != nil {
		panic(fmt.Sprintf("malformed unpin [%#x, +%#x): %v", uint64(iova), length, err))
	}

	ipt := a.ipt
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()
	for cur := r.Start; cur < r.End; {
		seg, ok := ipt.areas.FindSegment(cur)
		if !ok {
			panic(fmt.Sprintf("unpin of unmapped iova %#x", uint64(cur)))
		}
		sub := seg.Range.Intersect(r)
		seg.Value.removeAccess(sub)
		cur = sub.End
	}
}

// pinRange validates a pin or unpin request against the access's
// alignment and returns the IOVA range it covers.
func (a *Access) pinRange(iova hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if length == 0 {
		return hostarch.AddrRange{}, iopterr.EINVAL
	}
	if !iova.IsAligned(a.align) || length%a.align != 0 {
		return hostarch.AddrRange{}, iopterr.EINVAL
	}
	end, ok := iova.AddLength(length)
	if !ok {
		return hostarch.AddrRange{}, iopterr.EOVERFLOW
	}
	return hostarch.AddrRange{Start: iova, End: end}, nil
}

// ReadWrite copies between buf and the memory mapped at iova, without
// leaving pages pinned. write selects the direction. The range must be
// covered by Areas whose permissions allow the transfer; byte granularity
// is fine.
func (a *Access) ReadWrite(iova hostarch.Addr, buf []byte, write bool) error {
	if len(buf) == 0 {
		return iopterr.EINVAL
	}
	end, ok := iova.AddLength(uint64(len(buf)))
	if !ok {
		return iopterr.EOVERFLOW
	}
	r := hostarch.AddrRange{Start: iova, End: end}

	need := hostarch.Read
	if write {
		need = hostarch.Write
	}

	ipt := a.ipt
	ipt.mu.RLock()
	defer ipt.mu.RUnlock()
	for cur := r.Start; cur < r.End; {
		seg, ok := ipt.areas.FindSegment(cur)
		if !ok {
			return iopterr.ENOENT
		}
		area := seg.Value
		if area.preventAccess {
			return iopterr.EBUSY
		}
		if !area.perms.SupersetOf(need) {
			return iopterr.EPERM
		}
		sub := seg.Range.Intersect(r)
		chunk := buf[cur-r.Start : sub.End-r.Start]
		if err := area.pages.ReadWrite(area.startByte(cur), chunk, write); err != nil {
			return err
		}
		cur = sub.End
	}
	return nil
}
