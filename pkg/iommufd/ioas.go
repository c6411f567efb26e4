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
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/iopt"
	"iommufd.dev/iommufd/pkg/memsrc"
	"iommufd.dev/iommufd/pkg/sync"
)

// IOAS is an I/O address space: a registry object owning one I/O page
// table.
type IOAS struct {
	ObjectRef

	table *iopt.IOPageTable

	// mu guards autoDomains: hardware page tables created implicitly by
	// device auto-attach, kept for reuse by later devices.
	mu          sync.Mutex
	autoDomains []*HWPagetable
}

// NewIOAS creates and publishes an empty IOAS.
func (r *Registry) NewIOAS() *IOAS {
	id := r.Reserve()
	ioas := &IOAS{table: iopt.New()}
	r.Publish(id, ioas)
	return ioas
}

// Table returns the address space's I/O page table.
func (io *IOAS) Table() *iopt.IOPageTable {
	return io.table
}

// Map maps backing memory into the address space.
func (io *IOAS) Map(src memsrc.Source, opts iopt.MapOpts) (hostarch.Addr, error) {
	return io.table.Map(src, opts)
}

// Unmap removes mappings within [iova, iova+length).
func (io *IOAS) Unmap(iova hostarch.Addr, length uint64) error {
	return io.table.Unmap(iova, length)
}

// UnmapAll removes every mapping.
func (io *IOAS) UnmapAll() error {
	return io.table.UnmapAll()
}

// Copy maps [srcIOVA, srcIOVA+length) of io into dst, sharing the backing
// Pages rather than re-pinning it: pages pinned in both address spaces
// are pinned physically once. Placement in dst follows opts (Fixed, IOVA
// hint, Perms); the source mappings must permit opts.Perms.
func (io *IOAS) Copy(dst *IOAS, srcIOVA hostarch.Addr, length uint64, opts iopt.MapOpts) (hostarch.Addr, error) {
	spans, err := io.table.SharedSpansOf(srcIOVA, length, opts.Perms)
	if err != nil {
		return 0, err
	}
	defer func() {
		// MapSharedSpans took its own references on success; these are
		// the snapshot's.
		for _, sp := range spans {
			sp.Pages.DecRef()
		}
	}()
	return dst.table.MapSharedSpans(spans, opts)
}

// AddAccess attaches an in-kernel access to the address space.
func (io *IOAS) AddAccess(ops iopt.AccessOps, align uint64) (*iopt.Access, error) {
	return io.table.AddAccess(ops, align)
}

// RemoveAccess detaches an in-kernel access.
func (io *IOAS) RemoveAccess(a *iopt.Access) error {
	return io.table.RemoveAccess(a)
}

// Destroy implements Object.Destroy.
func (io *IOAS) Destroy() {
	io.table.Destroy()
}

func (io *IOAS) addAutoDomain(hwpt *HWPagetable) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.autoDomains = append(io.autoDomains, hwpt)
}

func (io *IOAS) removeAutoDomain(hwpt *HWPagetable) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for i, h := range io.autoDomains {
		if h == hwpt {
			io.autoDomains = append(io.autoDomains[:i], io.autoDomains[i+1:]...)
			return
		}
	}
}

// autoDomainCandidates snapshots the reusable auto-created hardware page
// tables, with a reference on each.
func (io *IOAS) autoDomainCandidates() []*HWPagetable {
	io.mu.Lock()
	defer io.mu.Unlock()
	var out []*HWPagetable
	for _, h := range io.autoDomains {
		if h.refs.TryIncRef() {
			out = append(out, h)
		}
	}
	return out
}
