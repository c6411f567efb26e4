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

package hostarch

import "fmt"

// Addr represents an address in an address space: either an IOVA in an I/O
// page table, or a byte offset into a backing memory source.
type Addr uint64

// AddLength returns the end of the range starting at v and spanning length
// bytes. If the resulting end would wrap around, ok is false.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() wraps", uint64(v)))
	}
	return addr
}

// PageOffset returns the offset of v into its containing page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageMask))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// AlignUp returns v rounded up to a multiple of align, which must be a power
// of two. ok is false if rounding up wraps around.
func (v Addr) AlignUp(align uint64) (addr Addr, ok bool) {
	addr = (v + Addr(align-1)) &^ Addr(align-1)
	ok = addr >= v
	return
}

// ToRange returns [v, v+length). If the end of the range would wrap around,
// ok is false.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageIndex returns the number of page boundaries at or below v, i.e. the
// index of the page containing v.
func (v Addr) PageIndex() uint64 {
	return uint64(v) >> PageShift
}
