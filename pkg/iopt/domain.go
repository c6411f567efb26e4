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
	"iommufd.dev/iommufd/pkg/hostarch"
	"iommufd.dev/iommufd/pkg/memsrc"
)

// Domain is one hardware translation context attached to an I/O page
// table. The page table programs and clears translation entries; the
// driver behind the interface encodes them into vendor page tables.
//
// While a Domain is attached, its entries exactly mirror the table's
// current Area set; the table owns all calls into the Domain and
// serializes them.
//
// Implementations must not call back into the page table or its Pages
// from these methods.
type Domain interface {
	// Program installs translations for the IOVA range r, one frame per
	// page, permitting accesses in at. r is aligned to MinPageSize.
	//
	// Errors are domain-specific (typically translation table allocation
	// failure) and cause the triggering map or attach to roll back.
	Program(r hostarch.AddrRange, frames []memsrc.Frame, at hostarch.AccessType) error

	// Clear removes all translations over r. Ranges never programmed, or
	// already cleared, must be tolerated.
	Clear(r hostarch.AddrRange)

	// MinPageSize returns the smallest page size the domain can map, a
	// power of two >= hostarch.PageSize. Areas must be aligned to it.
	MinPageSize() uint64
}
