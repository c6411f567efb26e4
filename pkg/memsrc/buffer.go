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

package memsrc

import (
	"fmt"
	"sync/atomic"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/sync"
)

// nextBase hands out disjoint frame number ranges so that frames from
// distinct Buffers never collide.
var nextBase atomic.Uint64

// Buffer is an in-memory Source. It tracks per-page pin state and enforces
// the Source preconditions, which makes it the ground truth for pin
// accounting in tests and a usable backing for in-process consumers.
type Buffer struct {
	mu sync.Mutex

	data     []byte
	readOnly bool
	base     Frame

	// pinned[i] is true if page i is currently pinned. The Source contract
	// makes this a bool rather than a count: the pages store deduplicates
	// logical holders and pins each page at most once.
	pinned []bool

	// faulty pages fail Pin with EFAULT, standing in for unmapped or
	// poisoned regions of the source address space.
	faulty []bool
}

// BufferOpts configures a Buffer.
type BufferOpts struct {
	// ReadOnly makes Pin fail with EPERM for write access.
	ReadOnly bool
}

// NewBuffer returns a Buffer of the given length, which must be a positive
// multiple of the page size.
func NewBuffer(length uint64, opts BufferOpts) *Buffer {
	if length == 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("invalid buffer length %#x", length))
	}
	npages := length / hostarch.PageSize
	return &Buffer{
		data:     make([]byte, length),
		readOnly: opts.ReadOnly,
		base:     Frame(nextBase.Add(npages) - npages),
		pinned:   make([]bool, npages),
		faulty:   make([]bool, npages),
	}
}

// Length implements Source.Length.
func (b *Buffer) Length() uint64 {
	return uint64(len(b.data))
}

// Pin implements Source.Pin.
func (b *Buffer) Pin(fr hostarch.AddrRange, at hostarch.AccessType) ([]Frame, error) {
	if !fr.WellFormed() || fr.Length() == 0 || !fr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned pin range %v", fr))
	}
	if at.Write && b.readOnly {
		return nil, iopterr.EPERM
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if uint64(fr.End) > b.Length() {
		return nil, iopterr.EFAULT
	}
	first := fr.Start.PageIndex()
	last := fr.End.PageIndex()
	for i := first; i < last; i++ {
		if b.faulty[i] {
			return nil, iopterr.EFAULT
		}
		if b.pinned[i] {
			panic(fmt.Sprintf("page %d pinned twice", i))
		}
	}
	frames := make([]Frame, 0, last-first)
	for i := first; i < last; i++ {
		b.pinned[i] = true
		frames = append(frames, b.base+Frame(i))
	}
	return frames, nil
}

// Unpin implements Source.Unpin.
func (b *Buffer) Unpin(fr hostarch.AddrRange) {
	if !fr.WellFormed() || fr.Length() == 0 || !fr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned unpin range %v", fr))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := fr.Start.PageIndex(); i < fr.End.PageIndex(); i++ {
		if !b.pinned[i] {
			panic(fmt.Sprintf("page %d unpinned without pin", i))
		}
		b.pinned[i] = false
	}
}

// ReadAt implements Source.ReadAt.
func (b *Buffer) ReadAt(p []byte, off uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off+uint64(len(p)) > b.Length() {
		return 0, iopterr.EFAULT
	}
	return copy(p, b.data[off:]), nil
}

// WriteAt implements Source.WriteAt.
func (b *Buffer) WriteAt(p []byte, off uint64) (int, error) {
	if b.readOnly {
		return 0, iopterr.EPERM
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if off+uint64(len(p)) > b.Length() {
		return 0, iopterr.EFAULT
	}
	return copy(b.data[off:], p), nil
}

// PinnedPages returns the number of currently pinned pages.
func (b *Buffer) PinnedPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pinned {
		if p {
			n++
		}
	}
	return n
}

// IsPinned returns true if the page containing off is pinned.
func (b *Buffer) IsPinned(off hostarch.Addr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinned[off.PageIndex()]
}

// SetFaulty marks every page in fr as invalid; subsequent pins of those
// pages fail with EFAULT. fr must be page-aligned.
func (b *Buffer) SetFaulty(fr hostarch.AddrRange, faulty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := fr.Start.PageIndex(); i < fr.End.PageIndex(); i++ {
		b.faulty[i] = faulty
	}
}
