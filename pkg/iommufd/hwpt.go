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
	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/iopt"
	"iommufd.dev/iommufd/pkg/sync"
)

// DomainAllocator creates hardware domains and knows which devices they
// can serve. It stands in for the platform IOMMU driver.
type DomainAllocator interface {
	// AllocDomain returns a new domain able to translate for dev. parent
	// is non-nil for nested translation, in which case the new domain
	// translates through it.
	AllocDomain(dev *Device, parent iopt.Domain) (iopt.Domain, error)

	// Compatible reports whether an existing domain can serve dev, e.g.
	// whether dev sits behind the same IOMMU instance.
	Compatible(d iopt.Domain, dev *Device) bool
}

// HWPagetable is a hardware domain bound to an IOAS. Creating one
// populates the domain with every mapping in the address space; from then
// on the table keeps it current until the HWPagetable is destroyed.
//
// A nested HWPagetable (non-nil parent) translates through its parent's
// domain and is not itself populated from the table.
type HWPagetable struct {
	ObjectRef

	reg    *Registry
	ioas   *IOAS
	domain iopt.Domain
	alloc  DomainAllocator
	parent *HWPagetable

	// auto marks a page table created by device auto-attach; it is
	// destroyed when the last device detaches.
	auto bool

	// mu guards the MSI cookie state. The cookie is installed at most
	// once per domain, by the first attached device that uses message
	// interrupts.
	mu       sync.Mutex
	msiBase  hostarch.Addr
	msiReady bool
}

// NewHWPagetable allocates a domain for dev from alloc, attaches it to
// ioas's table, and publishes the result. parent may be nil; a nested
// page table skips table attachment.
//
// On failure nothing is published and the domain holds no entries.
// EINCOMPATIBLE means this domain cannot serve the table's existing
// mappings; the caller may retry with different parameters.
func (r *Registry) NewHWPagetable(ioas *IOAS, dev *Device, alloc DomainAllocator, parent *HWPagetable) (*HWPagetable, error) {
	return r.newHWPagetable(ioas, dev, alloc, parent, false)
}

func (r *Registry) newHWPagetable(ioas *IOAS, dev *Device, alloc DomainAllocator, parent *HWPagetable, auto bool) (*HWPagetable, error) {
	id := r.Reserve()
	var parentDomain iopt.Domain
	if parent != nil {
		parentDomain = parent.domain
	}
	domain, err := alloc.AllocDomain(dev, parentDomain)
	if err != nil {
		r.Abort(id)
		return nil, err
	}
	hwpt := &HWPagetable{
		reg:    r,
		ioas:   ioas,
		domain: domain,
		alloc:  alloc,
		parent: parent,
		auto:   auto,
	}
	if parent == nil {
		if err := ioas.table.AttachDomain(domain); err != nil {
			r.Abort(id)
			return nil, err
		}
	} else {
		if !parent.refs.TryIncRef() {
			r.Abort(id)
			return nil, iopterr.ENOENT
		}
	}
	ioas.refs.IncRef()
	r.Publish(id, hwpt)
	if auto {
		ioas.addAutoDomain(hwpt)
	}
	return hwpt, nil
}

// IOAS returns the address space this page table is bound to.
func (hw *HWPagetable) IOAS() *IOAS {
	return hw.ioas
}

// Domain returns the underlying hardware domain.
func (hw *HWPagetable) Domain() iopt.Domain {
	return hw.domain
}

// setupMSI installs the MSI cookie at base. The first caller wins;
// repeat calls with the same base are no-ops and a conflicting base is
// EINCOMPATIBLE, since a domain has one MSI window.
func (hw *HWPagetable) setupMSI(base hostarch.Addr) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if hw.msiReady {
		if hw.msiBase != base {
			return iopterr.EINCOMPATIBLE
		}
		return nil
	}
	hw.msiBase = base
	hw.msiReady = true
	return nil
}

// Destroy implements Object.Destroy.
func (hw *HWPagetable) Destroy() {
	if hw.auto {
		hw.ioas.removeAutoDomain(hw)
	}
	if hw.parent == nil {
		if err := hw.ioas.table.DetachDomain(hw.domain); err != nil {
			panic("hardware page table not attached at destroy: " + err.Error())
		}
	} else {
		hw.reg.Put(hw.parent)
	}
	hw.reg.Put(hw.ioas)
}
