package fs

import "golang.org/x/sys/unix"

var errEINTR error = unix.EINTR
