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

package iopt_test

import (
	"testing"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/iopt"
	"iommufd.dev/iommufd/pkg/iopt/iopttest"
	"iommufd.dev/iommufd/pkg/memsrc"
)

const pageSize = hostarch.PageSize

func ar(start, end uint64) hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}
}

func mustMap(t *testing.T, ipt *iopt.IOPageTable, src memsrc.Source, opts iopt.MapOpts) hostarch.Addr {
	t.Helper()
	iova, err := ipt.Map(src, opts)
	if err != nil {
		t.Fatalf("Map(%+v): %v", opts, err)
	}
	return iova
}

func rwOpts(length uint64) iopt.MapOpts {
	return iopt.MapOpts{Length: length, Perms: hostarch.ReadWrite}
}

// TestMapMirrorsIntoDomain is the basic end-to-end flow: attach a domain,
// map four pages, check every page is pinned and translated, unmap, check
// everything is gone.
func TestMapMirrorsIntoDomain(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	iova := mustMap(t, ipt, b, rwOpts(4*pageSize))

	if got := b.PinnedPages(); got != 4 {
		t.Errorf("PinnedPages() = %d, want 4", got)
	}
	if got := d.Entries(); got != 4 {
		t.Errorf("domain Entries() = %d, want 4", got)
	}
	for i := uint64(0); i < 4; i++ {
		e, ok := d.Lookup(iova + hostarch.Addr(i*pageSize))
		if !ok {
			t.Fatalf("page %d not translated", i)
		}
		if i > 0 {
			prev, _ := d.Lookup(iova + hostarch.Addr((i-1)*pageSize))
			if e.Frame != prev.Frame+1 {
				t.Errorf("page %d frame %#x not consecutive with %#x", i, e.Frame, prev.Frame)
			}
		}
	}

	if err := ipt.Unmap(iova, 4*pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := d.Entries(); got != 0 {
		t.Errorf("domain Entries() after unmap = %d, want 0", got)
	}
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() after unmap = %d, want 0", got)
	}
	if got := ipt.Areas(); got != 0 {
		t.Errorf("Areas() after unmap = %d, want 0", got)
	}
}

// TestMapSharedPinsOnce maps the same Pages into two ranges; the overlap
// must be physically pinned once, and pins survive until the last area
// over a page goes away.
func TestMapSharedPinsOnce(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	p := iopt.NewPages(b, true)
	defer p.DecRef()

	opts := rwOpts(2 * pageSize)
	iova1, err := ipt.MapShared(p, opts)
	if err != nil {
		t.Fatalf("MapShared: %v", err)
	}
	iova2, err := ipt.MapShared(p, opts)
	if err != nil {
		t.Fatalf("MapShared: %v", err)
	}

	if got := b.PinnedPages(); got != 2 {
		t.Errorf("PinnedPages() with two areas = %d, want 2", got)
	}
	e1, _ := d.Lookup(iova1)
	e2, _ := d.Lookup(iova2)
	if e1.Frame != e2.Frame {
		t.Errorf("areas over one Pages translate to different frames: %#x, %#x", e1.Frame, e2.Frame)
	}

	if err := ipt.Unmap(iova1, 2*pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := b.PinnedPages(); got != 2 {
		t.Errorf("PinnedPages() after first unmap = %d, want 2", got)
	}
	if err := ipt.Unmap(iova2, 2*pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() after last unmap = %d, want 0", got)
	}
}

// TestMapRollback: if any attached domain refuses the mapping, no domain
// keeps entries, nothing stays pinned, and no area remains.
func TestMapRollback(t *testing.T) {
	ipt := iopt.New()
	d1 := iopttest.NewFakeDomain(pageSize)
	d2 := iopttest.NewFakeDomain(pageSize)
	for _, d := range []*iopttest.FakeDomain{d1, d2} {
		if err := ipt.AttachDomain(d); err != nil {
			t.Fatalf("AttachDomain: %v", err)
		}
	}
	d2.FailAfter(1, iopterr.ENOMEM)

	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	if _, err := ipt.Map(b, rwOpts(2*pageSize)); !iopterr.Equals(iopterr.ENOMEM, err) {
		t.Fatalf("Map with failing domain: err = %v, want ENOMEM", err)
	}
	if got := d1.Entries(); got != 0 {
		t.Errorf("first domain kept %d entries after rollback", got)
	}
	if got := d2.Entries(); got != 0 {
		t.Errorf("failing domain kept %d entries", got)
	}
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() after rollback = %d, want 0", got)
	}
	if got := ipt.Areas(); got != 0 {
		t.Errorf("Areas() after rollback = %d, want 0", got)
	}

	// The table still works afterwards.
	mustMap(t, ipt, b, rwOpts(2*pageSize))
}

// TestAttachRollback: attaching a domain that fails partway leaves it
// empty and detached, and existing domains keep serving.
func TestAttachRollback(t *testing.T) {
	ipt := iopt.New()
	d1 := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d1); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	mustMap(t, ipt, b, rwOpts(2*pageSize))
	mustMap(t, ipt, b, iopt.MapOpts{Length: 2 * pageSize, Offset: 2 * pageSize, Perms: hostarch.ReadWrite})

	d2 := iopttest.NewFakeDomain(pageSize)
	d2.FailAfter(2, iopterr.ENOMEM) // first area fills, second fails
	if err := ipt.AttachDomain(d2); !iopterr.Equals(iopterr.ENOMEM, err) {
		t.Fatalf("AttachDomain: err = %v, want ENOMEM", err)
	}
	if got := d2.Entries(); got != 0 {
		t.Errorf("failed attach left %d entries", got)
	}
	if got := ipt.Domains(); got != 1 {
		t.Errorf("Domains() = %d, want 1", got)
	}
	if got := d1.Entries(); got != 4 {
		t.Errorf("existing domain lost entries: %d, want 4", got)
	}
	if got := b.PinnedPages(); got != 4 {
		t.Errorf("PinnedPages() = %d, want 4", got)
	}
}

func TestDetachDomain(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	mustMap(t, ipt, b, rwOpts(2*pageSize))

	if err := ipt.DetachDomain(d); err != nil {
		t.Fatalf("DetachDomain: %v", err)
	}
	if got := d.Entries(); got != 0 {
		t.Errorf("detached domain kept %d entries", got)
	}
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() with no domains = %d, want 0", got)
	}
	if err := ipt.DetachDomain(d); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("second detach: err = %v, want ENOENT", err)
	}
}

func TestDoubleAttachPanics(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("double attach did not panic")
		}
	}()
	ipt.AttachDomain(d)
}

func TestUnmapSplitsAreas(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	iova := mustMap(t, ipt, b, rwOpts(4*pageSize))

	// Punch out the middle two pages.
	if err := ipt.Unmap(iova+pageSize, 2*pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := ipt.Areas(); got != 2 {
		t.Errorf("Areas() = %d, want 2", got)
	}
	if got := d.Entries(); got != 2 {
		t.Errorf("domain Entries() = %d, want 2", got)
	}
	if !b.IsPinned(0) || !b.IsPinned(3*pageSize) {
		t.Error("outer pages lost their pins")
	}
	if b.IsPinned(pageSize) || b.IsPinned(2*pageSize) {
		t.Error("inner pages still pinned")
	}

	// The halves unmap independently.
	if err := ipt.Unmap(iova, pageSize); err != nil {
		t.Fatalf("Unmap first page: %v", err)
	}
	if err := ipt.Unmap(iova+3*pageSize, pageSize); err != nil {
		t.Fatalf("Unmap last page: %v", err)
	}
	if got := b.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
}

func TestUnmapErrors(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(pageSize, memsrc.BufferOpts{})
	iova := mustMap(t, ipt, b, rwOpts(pageSize))

	if err := ipt.Unmap(iova, 0); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("zero-length unmap: err = %v, want EINVAL", err)
	}
	if err := ipt.Unmap(^hostarch.Addr(0)-pageSize, 2*pageSize); !iopterr.Equals(iopterr.EOVERFLOW, err) {
		t.Errorf("wrapping unmap: err = %v, want EOVERFLOW", err)
	}
	if err := ipt.Unmap(iova+4*pageSize, pageSize); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("unmap of unmapped range: err = %v, want ENOENT", err)
	}
	if err := ipt.Unmap(iova, pageSize); err != nil {
		t.Errorf("unmap: %v", err)
	}
	if err := ipt.Unmap(iova, pageSize); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("double unmap: err = %v, want ENOENT", err)
	}
}

func TestMapErrors(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})

	if _, err := ipt.Map(b, iopt.MapOpts{Length: 0, Perms: hostarch.Read}); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("zero-length map: err = %v, want EINVAL", err)
	}
	if _, err := ipt.Map(b, iopt.MapOpts{Length: pageSize}); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("map with no permissions: err = %v, want EINVAL", err)
	}
	if _, err := ipt.Map(b, iopt.MapOpts{Length: pageSize / 2, Perms: hostarch.Read}); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("misaligned length: err = %v, want EINVAL", err)
	}
	if _, err := ipt.Map(b, iopt.MapOpts{Length: 4 * pageSize, Perms: hostarch.Read}); !iopterr.Equals(iopterr.EFAULT, err) {
		t.Errorf("map past extent: err = %v, want EFAULT", err)
	}
	opts := rwOpts(pageSize)
	opts.Fixed = true
	opts.IOVA = ^hostarch.Addr(0) - pageSize + 1
	if _, err := ipt.Map(b, opts); !iopterr.Equals(iopterr.EOVERFLOW, err) {
		t.Errorf("map at top of space: err = %v, want EOVERFLOW", err)
	}
	opts.IOVA = pageSize / 2
	if _, err := ipt.Map(b, opts); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("misaligned fixed iova: err = %v, want EINVAL", err)
	}
}

func TestFixedMapConflict(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	opts := rwOpts(2 * pageSize)
	opts.Fixed = true
	opts.IOVA = 0x100000
	if _, err := ipt.Map(b, opts); err != nil {
		t.Fatalf("fixed map: %v", err)
	}
	conflict := rwOpts(pageSize)
	conflict.Fixed = true
	conflict.IOVA = 0x101000
	if _, err := ipt.Map(b, conflict); !iopterr.Equals(iopterr.EBUSY, err) {
		t.Errorf("overlapping fixed map: err = %v, want EBUSY", err)
	}
}

func TestReservedRegions(t *testing.T) {
	ipt := iopt.New()
	owner := "bridge"
	res := ar(0x1000, 0x200000)
	if err := ipt.AddReserved(res, owner); err != nil {
		t.Fatalf("AddReserved: %v", err)
	}

	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	iova := mustMap(t, ipt, b, rwOpts(2*pageSize))
	if ar(uint64(iova), uint64(iova)+2*pageSize).Overlaps(res) {
		t.Errorf("allocation %#x landed in reserved region %v", uint64(iova), res)
	}

	fixed := rwOpts(pageSize)
	fixed.Fixed = true
	fixed.IOVA = 0x10000
	if _, err := ipt.Map(b, fixed); !iopterr.Equals(iopterr.EBUSY, err) {
		t.Errorf("fixed map into reserved region: err = %v, want EBUSY", err)
	}

	if err := ipt.AddReserved(ar(uint64(iova), uint64(iova)+pageSize), owner); !iopterr.Equals(iopterr.EBUSY, err) {
		t.Errorf("reserve over mapped area: err = %v, want EBUSY", err)
	}

	ipt.RemoveReservedOwner(owner)
	if _, err := ipt.Map(b, fixed); err != nil {
		t.Errorf("fixed map after reservation removed: %v", err)
	}
}

func TestAttachAlignment(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	// allocBase places this at one page, which cannot satisfy a domain
	// needing two-page alignment.
	mustMap(t, ipt, b, rwOpts(pageSize))

	wide := iopttest.NewFakeDomain(2 * pageSize)
	if err := ipt.AttachDomain(wide); !iopterr.Equals(iopterr.EINCOMPATIBLE, err) {
		t.Fatalf("attach of wide domain over unaligned area: err = %v, want EINCOMPATIBLE", err)
	}

	// On an empty table the domain attaches and tightens the alignment.
	ipt2 := iopt.New()
	if err := ipt2.AttachDomain(wide); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	if got, want := ipt2.IOVAAlignment(), uint64(2*pageSize); got != want {
		t.Errorf("IOVAAlignment() = %#x, want %#x", got, want)
	}
	iova, err := ipt2.Map(b, rwOpts(2*pageSize))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !iova.IsAligned(2 * pageSize) {
		t.Errorf("allocated iova %#x not aligned to %#x", uint64(iova), 2*pageSize)
	}
	if _, err := ipt2.Map(b, rwOpts(pageSize)); !iopterr.Equals(iopterr.EINVAL, err) {
		t.Errorf("single-page map on two-page table: err = %v, want EINVAL", err)
	}
}

func TestMapSharedSpansContiguous(t *testing.T) {
	ipt := iopt.New()
	d := iopttest.NewFakeDomain(pageSize)
	if err := ipt.AttachDomain(d); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	b1 := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	b2 := memsrc.NewBuffer(2*pageSize, memsrc.BufferOpts{})
	p1 := iopt.NewPages(b1, true)
	defer p1.DecRef()
	p2 := iopt.NewPages(b2, true)
	defer p2.DecRef()

	spans := []iopt.SharedSpan{
		{Pages: p1, Offset: 0, Length: 2 * pageSize},
		{Pages: p2, Offset: pageSize, Length: pageSize},
	}
	iova, err := ipt.MapSharedSpans(spans, iopt.MapOpts{Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MapSharedSpans: %v", err)
	}
	if got := ipt.Areas(); got != 2 {
		t.Errorf("Areas() = %d, want 2", got)
	}
	if got := d.Entries(); got != 3 {
		t.Errorf("domain Entries() = %d, want 3", got)
	}
	// The spans are adjacent in IOVA even though they come from different
	// backings.
	if _, ok := d.Lookup(iova + 2*pageSize); !ok {
		t.Error("second span's page not translated at the contiguous iova")
	}
	if b2.IsPinned(0) {
		t.Error("unmapped page of second backing is pinned")
	}

	if err := ipt.Unmap(iova, 3*pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := b1.PinnedPages() + b2.PinnedPages(); got != 0 {
		t.Errorf("pinned pages after unmap = %d, want 0", got)
	}
}

func TestSharedSpansOf(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	iova := mustMap(t, ipt, b, rwOpts(4*pageSize))

	spans, err := ipt.SharedSpansOf(iova+pageSize, 2*pageSize, hostarch.Read)
	if err != nil {
		t.Fatalf("SharedSpansOf: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Offset != pageSize || spans[0].Length != 2*pageSize {
		t.Errorf("span = {off %#x len %#x}, want {off %#x len %#x}",
			spans[0].Offset, spans[0].Length, uint64(pageSize), 2*pageSize)
	}
	spans[0].Pages.DecRef()

	if _, err := ipt.SharedSpansOf(iova+3*pageSize, 2*pageSize, hostarch.Read); !iopterr.Equals(iopterr.ENOENT, err) {
		t.Errorf("spans over a gap: err = %v, want ENOENT", err)
	}
}

func TestUnmapAll(t *testing.T) {
	ipt := iopt.New()
	b := memsrc.NewBuffer(4*pageSize, memsrc.BufferOpts{})
	mustMap(t, ipt, b, rwOpts(2*pageSize))
	mustMap(t, ipt, b, iopt.MapOpts{Length: 2 * pageSize, Offset: 2 * pageSize, Perms: hostarch.Read})

	if err := ipt.UnmapAll(); err != nil {
		t.Fatalf("UnmapAll: %v", err)
	}
	if got := ipt.Areas(); got != 0 {
		t.Errorf("Areas() = %d, want 0", got)
	}
	// UnmapAll of an empty table is fine.
	if err := ipt.UnmapAll(); err != nil {
		t.Errorf("UnmapAll of empty table: %v", err)
	}
}
