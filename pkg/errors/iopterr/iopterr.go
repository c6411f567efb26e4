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

// Package iopterr contains the error values returned by the I/O page table,
// exported as error interface pointers. This allows for fast comparison and
// return operations. Programming errors (an unpin without a matching pin, a
// double attach of the same domain) are not represented here; they panic.
package iopterr

import (
	"iommufd.dev/iommufd/pkg/errors"
)

var (
	// ENOMEM: backing memory could not be allocated or pinned.
	ENOMEM = errors.New(errors.CodeNoMemory, "out of memory")

	// EFAULT: the backing memory extent is invalid or unmapped.
	EFAULT = errors.New(errors.CodeAddressFault, "address fault")

	// EPERM: the requested access exceeds the granted protection.
	EPERM = errors.New(errors.CodePermissionDenied, "permission denied")

	// EOVERFLOW: range arithmetic overflowed.
	EOVERFLOW = errors.New(errors.CodeOverflow, "value too large for address arithmetic")

	// EINVAL: the range is not fully covered, misaligned, or zero-length.
	EINVAL = errors.New(errors.CodeInvalidRange, "invalid range")

	// EBUSY: the region is already reserved or occupied, or the resource is
	// still referenced. Retryable.
	EBUSY = errors.New(errors.CodeBusy, "resource busy")

	// EINCOMPATIBLE: the hardware domain's alignment or capabilities cannot
	// serve this page table. The caller should try another domain.
	EINCOMPATIBLE = errors.New(errors.CodeIncompatible, "incompatible hardware domain")

	// ENOENT: no area or binding matches the request.
	ENOENT = errors.New(errors.CodeNotFound, "no such mapping")
)

// Equals compares a sentinel against any error, mirroring how callers test
// errno-style results.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	other, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	return e != nil && e.Code() == other.Code()
}
