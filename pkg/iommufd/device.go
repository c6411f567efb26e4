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
	"fmt"

	"iommufd.dev/iommufd/pkg/errors/iopterr"
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/sync"
)

// Group is a set of devices that the platform cannot isolate from each
// other. All devices in a group attach to the same hardware page table.
type Group struct {
	id uint32

	// attachMu serializes attach and detach across the group, including
	// the auto-domain search, so that two devices racing to attach
	// cannot each conclude the group is unattached.
	attachMu sync.Mutex

	// mu guards the fields below.
	mu sync.Mutex

	// hwpt is the page table the group is attached to, nil if none.
	hwpt *HWPagetable

	// attached counts devices currently attached.
	attached int
}

// ID returns the group number.
func (g *Group) ID() uint32 { return g.id }

// group returns the Group for id, creating it on first use. Groups are
// never removed; they model fixed platform topology.
func (r *Registry) group(id uint32) *Group {
	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		g = &Group{id: id}
		r.groups[id] = g
	}
	return g
}

// DeviceDesc describes a device being bound: its isolation group and the
// IOVA ranges its topology forbids (its reserved regions).
type DeviceDesc struct {
	Group uint32

	// Reserved are IOVA ranges this device can never DMA to, such as
	// its host bridge windows. They are enforced on the address space
	// while the device is attached.
	Reserved []hostarch.AddrRange

	// MSIBase is the base IOVA of the device's message interrupt
	// window, or zero if it does not use message interrupts.
	MSIBase hostarch.Addr
}

// Device is a bound device: a registry object that can attach to a
// hardware page table.
type Device struct {
	ObjectRef

	reg      *Registry
	group    *Group
	reserved []hostarch.AddrRange
	msiBase  hostarch.Addr

	// attached is the page table this device is attached to, nil if
	// detached. Guarded by group.mu.
	attached *HWPagetable
}

// NewDevice binds a device and publishes it.
func (r *Registry) NewDevice(desc DeviceDesc) *Device {
	id := r.Reserve()
	d := &Device{
		reg:      r,
		group:    r.group(desc.Group),
		reserved: desc.Reserved,
		msiBase:  desc.MSIBase,
	}
	r.Publish(id, d)
	return d
}

// Group returns the device's isolation group.
func (d *Device) Group() *Group { return d.group }

// Destroy implements Object.Destroy. The device must be detached first:
// tearing down a device whose translations are still live is a
// programming error, not a recoverable condition. Groups model fixed
// platform topology and outlive their devices, so an unbound device
// holds no group state to release.
func (d *Device) Destroy() {
	d.group.mu.Lock()
	attached := d.attached != nil
	d.group.mu.Unlock()
	if attached {
		panic(fmt.Sprintf("destroy of attached device in group %d", d.group.id))
	}
}

// Attach attaches the device to hwpt. The first device in a group binds
// the group to hwpt; later devices must attach to the same one (EBUSY
// otherwise). The device's reserved regions are enforced on the address
// space first, so a mapping already occupying one fails the attach with
// EBUSY. EINCOMPATIBLE means hwpt's domain cannot serve this device.
//
// Attaching an already-attached device is a programming error.
func (d *Device) Attach(hwpt *HWPagetable) error {
	d.group.attachMu.Lock()
	defer d.group.attachMu.Unlock()
	return d.attachLocked(hwpt)
}

// Preconditions: d.group.attachMu must be locked.
func (d *Device) attachLocked(hwpt *HWPagetable) error {
	g := d.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.attached != nil {
		panic(fmt.Sprintf("device in group %d attached twice", g.id))
	}
	if !hwpt.alloc.Compatible(hwpt.domain, d) {
		return iopterr.EINCOMPATIBLE
	}
	if g.hwpt != nil && g.hwpt != hwpt {
		return iopterr.EBUSY
	}

	table := hwpt.ioas.table
	for _, rr := range d.reserved {
		if err := table.AddReserved(rr, d); err != nil {
			table.RemoveReservedOwner(d)
			return err
		}
	}
	if d.msiBase != 0 {
		if err := hwpt.setupMSI(d.msiBase); err != nil {
			table.RemoveReservedOwner(d)
			return err
		}
	}

	hwpt.refs.IncRef()
	g.hwpt = hwpt
	g.attached++
	d.attached = hwpt
	return nil
}

// Detach detaches the device from its page table, dropping its reserved
// regions. When the last device of a group detaches, the group unbinds;
// an auto-created page table with no devices left is destroyed.
//
// Detaching a device that is not attached is a programming error.
func (d *Device) Detach() {
	g := d.group
	g.attachMu.Lock()
	defer g.attachMu.Unlock()

	g.mu.Lock()
	hwpt := d.attached
	if hwpt == nil {
		g.mu.Unlock()
		panic(fmt.Sprintf("detach of unattached device in group %d", g.id))
	}
	d.attached = nil
	hwpt.ioas.table.RemoveReservedOwner(d)
	g.attached--
	last := g.attached == 0
	if last {
		g.hwpt = nil
	}
	g.mu.Unlock()

	d.reg.Put(hwpt)
	if last && hwpt.auto {
		// Best effort: another group may have started using it.
		if err := d.reg.Destroy(hwpt.ID()); err != nil && !iopterr.Equals(iopterr.EBUSY, err) {
			panic("auto domain destroy: " + err.Error())
		}
	}
}

// AttachIOAS attaches the device to an address space, selecting or
// creating a hardware page table: the group's current one if it already
// serves ioas, else any auto-created page table of ioas the device is
// compatible with, else a freshly allocated domain. An incompatible
// candidate is skipped, not an error.
//
// The returned page table is borrowed, not referenced; it remains valid
// until the device detaches.
func (d *Device) AttachIOAS(ioas *IOAS, alloc DomainAllocator) (*HWPagetable, error) {
	g := d.group
	g.attachMu.Lock()
	defer g.attachMu.Unlock()

	g.mu.Lock()
	ghwpt := g.hwpt
	g.mu.Unlock()
	if ghwpt != nil {
		if ghwpt.ioas != ioas {
			return nil, iopterr.EBUSY
		}
		if err := d.attachLocked(ghwpt); err != nil {
			return nil, err
		}
		return ghwpt, nil
	}

	cands := ioas.autoDomainCandidates()
	// The snapshot holds a reference on every candidate; drop them all on
	// the way out. A matched candidate stays alive through the reference
	// attachLocked takes.
	defer func() {
		for _, cand := range cands {
			d.reg.Put(cand)
		}
	}()
	for _, cand := range cands {
		err := d.attachLocked(cand)
		if err == nil {
			return cand, nil
		}
		if iopterr.Equals(iopterr.EINCOMPATIBLE, err) {
			continue
		}
		return nil, err
	}

	hwpt, err := d.reg.newHWPagetable(ioas, d, alloc, nil, true)
	if err != nil {
		return nil, err
	}
	if err := d.attachLocked(hwpt); err != nil {
		if derr := d.reg.Destroy(hwpt.ID()); derr != nil {
			panic("unattached auto domain destroy: " + derr.Error())
		}
		return nil, err
	}
	return hwpt, nil
}
