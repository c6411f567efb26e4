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

// Package memsrc defines the contract between the I/O page table and the
// process memory backing it.
package memsrc

import (
	"iommufd.dev/iommufd/pkg/hostarch"
)

// Frame identifies a physical page of memory (a PFN).
type Frame uint64

// Source is a contiguous extent of pinnable memory in some source address
// space. The pages store calls Pin and Unpin with page-aligned ranges of
// byte offsets into the extent.
//
// All pages in a Source are pin-counted by the caller; a Source sees each
// page pinned at most once at a time regardless of how many logical holders
// reference it.
type Source interface {
	// Length returns the extent's length in bytes.
	Length() uint64

	// Pin makes every page in fr resident and locked against reclaim or
	// movement, and returns one Frame per page in ascending order.
	//
	// Preconditions:
	// * fr must be page-aligned and non-empty.
	// * No page in fr is currently pinned through this Source.
	//
	// Errors: ENOMEM if memory cannot be locked, EPERM if at requires
	// write access on read-only backing, EFAULT if fr covers an invalid
	// or unmapped region.
	Pin(fr hostarch.AddrRange, at hostarch.AccessType) ([]Frame, error)

	// Unpin undoes a previous Pin of exactly the pages in fr. fr must be
	// page-aligned, and every page in fr must be pinned.
	Unpin(fr hostarch.AddrRange)

	// ReadAt copies len(p) bytes at byte offset off into p.
	//
	// Preconditions: every page overlapping [off, off+len(p)) is pinned.
	ReadAt(p []byte, off uint64) (int, error)

	// WriteAt copies p to byte offset off.
	//
	// Preconditions: same as ReadAt, and the backing is writable.
	WriteAt(p []byte, off uint64) (int, error)
}
