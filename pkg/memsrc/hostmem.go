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

//go:build linux
// +build linux

package memsrc

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/log"
	"iommufd.dev/iommufd/pkg/sync"
)

// Host call failures can arrive at pin/unpin rates under memory
// pressure; one warning a minute is plenty.
var hostLog = log.BasicRateLimitedLogger(time.Minute)

// HostMemory is a Source backed by anonymous host memory. Pinning locks the
// pages with mlock(2), giving the pages store's pin discipline real effect
// on the host: a pinned page is resident and will not be reclaimed.
//
// Frame numbers are synthesized from the mapping's base address; they are
// stable for the life of the mapping, which is all the page table requires.
type HostMemory struct {
	mu sync.Mutex

	data     []byte
	readOnly bool
}

// NewHostMemory mmaps an anonymous region of the given length, which must
// be a positive multiple of the page size.
func NewHostMemory(length uint64, readOnly bool) (*HostMemory, error) {
	if length == 0 || length%hostarch.PageSize != 0 {
		return nil, iopterr.EINVAL
	}
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		hostLog.Warningf("memsrc: anonymous mmap of %d bytes failed: %v", length, err)
		return nil, iopterr.ENOMEM
	}
	return &HostMemory{data: data, readOnly: readOnly}, nil
}

// Destroy unmaps the region. No pages may be pinned.
func (hm *HostMemory) Destroy() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.data == nil {
		return
	}
	if err := unix.Munmap(hm.data); err != nil {
		hostLog.Warningf("memsrc: munmap failed: %v", err)
	}
	hm.data = nil
}

// Length implements Source.Length.
func (hm *HostMemory) Length() uint64 {
	return uint64(len(hm.data))
}

// Pin implements Source.Pin.
func (hm *HostMemory) Pin(fr hostarch.AddrRange, at hostarch.AccessType) ([]Frame, error) {
	if !fr.WellFormed() || fr.Length() == 0 || !fr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned pin range %v", fr))
	}
	if at.Write && hm.readOnly {
		return nil, iopterr.EPERM
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.data == nil || uint64(fr.End) > hm.Length() {
		return nil, iopterr.EFAULT
	}
	slice := hm.data[fr.Start:fr.End]
	if err := unix.Mlock(slice); err != nil {
		// ENOMEM from mlock means the RLIMIT_MEMLOCK budget is exhausted.
		return nil, iopterr.ENOMEM
	}
	base := hm.frameBase()
	frames := make([]Frame, 0, fr.Length()/hostarch.PageSize)
	for i := fr.Start.PageIndex(); i < fr.End.PageIndex(); i++ {
		frames = append(frames, base+Frame(i))
	}
	return frames, nil
}

// Unpin implements Source.Unpin.
func (hm *HostMemory) Unpin(fr hostarch.AddrRange) {
	if !fr.WellFormed() || fr.Length() == 0 || !fr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned unpin range %v", fr))
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.data == nil {
		panic("unpin after Destroy")
	}
	if err := unix.Munlock(hm.data[fr.Start:fr.End]); err != nil {
		hostLog.Warningf("memsrc: munlock of %v failed: %v", fr, err)
	}
}

// ReadAt implements Source.ReadAt.
func (hm *HostMemory) ReadAt(p []byte, off uint64) (int, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.data == nil || off+uint64(len(p)) > hm.Length() {
		return 0, iopterr.EFAULT
	}
	return copy(p, hm.data[off:]), nil
}

// WriteAt implements Source.WriteAt.
func (hm *HostMemory) WriteAt(p []byte, off uint64) (int, error) {
	if hm.readOnly {
		return 0, iopterr.EPERM
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.data == nil || off+uint64(len(p)) > hm.Length() {
		return 0, iopterr.EFAULT
	}
	return copy(hm.data[off:], p), nil
}

// frameBase derives frame numbers from the mapping's host virtual address.
// Preconditions: hm.mu must be locked and hm.data non-nil.
func (hm *HostMemory) frameBase() Frame {
	return Frame(uint64(uintptr(unsafe.Pointer(&hm.data[0]))) >> hostarch.PageShift)
}
