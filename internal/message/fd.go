package message

import "golang.org/x/sys/unix"

// closeFd closes a raw fd, swallowing the error: by the time prune
// decides to close one, there is nothing a caller could usefully do
// about EBADF/EIO other than log, and logging belongs to whichever
// component owns the peer-facing logger, not this low-level helper.
func closeFd(fd int) {
	_ = unix.Close(fd)
}
