// Adapted from the OpenTofu flock package.
// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package journal

import (
	"errors"
	"math"
	"os"
	"syscall"
	"time"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procCreateEventW = modkernel32.NewProc("CreateEventW")
)

const (
	// dwFlags for LockFileEx
	// https://msdn.microsoft.com/en-us/library/windows/desktop/aa365203(v=vs.85).aspx
	_LOCKFILE_FAIL_IMMEDIATELY = 1
	_LOCKFILE_EXCLUSIVE_LOCK   = 2
	// https://learn.microsoft.com/en-us/windows/win32/debug/system-error-codes--0-499-
	_ERROR_LOCK_VIOLATION = 33
)

func lockExclusive(f *os.File) error {
	return lockRetrying(f, _LOCKFILE_EXCLUSIVE_LOCK)
}

func lockShared(f *os.File) error {
	return lockRetrying(f, 0)
}

// unlock is a no-op: the lock is released when the handle is closed, and
// the journal opens its file per operation.
func unlock(*os.File) error {
	return nil
}

func lockRetrying(f *os.File, flags uint32) error {
	for {
		err := lockOnce(f, flags|_LOCKFILE_FAIL_IMMEDIATELY)
		if err == nil {
			return nil
		}
		var errno syscall.Errno
		if errors.As(err, &errno) && errno == _ERROR_LOCK_VIOLATION {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return err
	}
}

func lockOnce(f *os.File, flags uint32) error {
	// even when failing immediately, an overlapped event structure is
	// required
	ol, err := newOverlapped()
	if err != nil {
		return err
	}
	defer syscall.CloseHandle(ol.HEvent)

	return lockFileEx(
		syscall.Handle(f.Fd()),
		flags,
		0,              // reserved
		0,              // bytes low
		math.MaxUint32, // bytes high
		ol,
	)
}

func lockFileEx(h syscall.Handle, flags, reserved, locklow, lockhigh uint32, ol *syscall.Overlapped) (err error) {
	r1, _, e1 := syscall.SyscallN(
		procLockFileEx.Addr(),
		uintptr(h),
		uintptr(flags),
		uintptr(reserved),
		uintptr(locklow),
		uintptr(lockhigh),
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		if e1 != 0 {
			err = error(e1)
		} else {
			err = syscall.EINVAL
		}
	}
	return
}

func newOverlapped() (*syscall.Overlapped, error) {
	event, err := createEvent(nil, true, false, nil)
	if err != nil {
		return nil, err
	}
	return &syscall.Overlapped{HEvent: event}, nil
}

func createEvent(sa *syscall.SecurityAttributes, manualReset bool, initialState bool, name *uint16) (handle syscall.Handle, err error) {
	var _p0 uint32
	if manualReset {
		_p0 = 1
	}
	var _p1 uint32
	if initialState {
		_p1 = 1
	}

	r0, _, e1 := syscall.SyscallN(
		procCreateEventW.Addr(),
		uintptr(unsafe.Pointer(sa)),
		uintptr(_p0),
		uintptr(_p1),
		uintptr(unsafe.Pointer(name)),
		0,
		0,
	)
	handle = syscall.Handle(r0)
	if handle == syscall.InvalidHandle {
		if e1 != 0 {
			err = error(e1)
		} else {
			err = syscall.EINVAL
		}
	}
	return
}
