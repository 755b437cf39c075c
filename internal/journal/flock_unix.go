// Adapted from the OpenTofu flock package.
// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package journal

import (
	"io"
	"os"
	"syscall"
)

// fcntl POSIX locks give the most consistent behavior across platforms and
// some compatibility over NFS. F_SETLKW blocks until the lock is granted;
// EINTR just means a signal arrived, so retry.

func lockExclusive(f *os.File) error {
	return setlkw(f, syscall.F_WRLCK)
}

func lockShared(f *os.File) error {
	return setlkw(f, syscall.F_RDLCK)
}

func unlock(f *os.File) error {
	flock := &syscall.Flock_t{
		Type:   syscall.F_UNLCK,
		Whence: int16(io.SeekStart),
	}
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, flock)
}

func setlkw(f *os.File, lockType int16) error {
	flock := &syscall.Flock_t{
		Type:   lockType,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}
	for {
		err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, flock)
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}
