/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ucopy models the only legal way to cross the user/kernel boundary
// (spec §1's "userland copy primitives" collaborator): copy_to_user and
// copy_from_user. In this simulated kernel, "user memory" and "kernel
// memory" are both ordinary Go byte slices, but every caller that would, on
// real hardware, touch a user pointer is required to route through these
// two functions so the boundary stays auditable at a single choke point,
// the way ext2's getdents does.
package ucopy

import "errors"

// ErrFault is returned when a requested range does not fit the backing
// buffer, the simulated analogue of a real copy_to/from_user page fault.
var ErrFault = errors.New("bad address")

// CopyToUser copies src into dst starting at offset off, failing with
// ErrFault rather than panicking if the range would overrun dst -- a real
// copy_to_user never panics the kernel on a bad user pointer, it returns an
// error that the syscall layer converts to -EFAULT.
func CopyToUser(dst []byte, off int, src []byte) (int, error) {
	if off < 0 || off > len(dst) {
		return 0, ErrFault
	}
	n := copy(dst[off:], src)
	if n < len(src) {
		return n, ErrFault
	}
	return n, nil
}

// CopyFromUser copies count bytes out of src starting at offset off into a
// freshly allocated kernel-side buffer.
func CopyFromUser(src []byte, off, count int) ([]byte, error) {
	if off < 0 || count < 0 || off+count > len(src) {
		return nil, ErrFault
	}
	out := make([]byte, count)
	copy(out, src[off:off+count])
	return out, nil
}

// CopyFromUserInto copies into a caller-supplied kernel buffer, so the
// kernel buffer's capacity (not a fresh allocation) bounds how much is
// copied in one call.
func CopyFromUserInto(dst []byte, src []byte, off int) (int, error) {
	if off < 0 || off > len(src) {
		return 0, ErrFault
	}
	n := copy(dst, src[off:])
	return n, nil
}
