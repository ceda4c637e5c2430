package queue

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readAncillary performs the recvmsg-equivalent read on an
// ancillary-capable peer, returning any fds received as SCM_RIGHTS
// alongside the ordinary bytes, per spec.md §4.D "Ancillary-capable".
func readAncillary(conn *net.UnixConn, buf []byte) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(MaxFdsPerMessage*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, fmt.Errorf("queue: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	for _, fd := range fds {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	}
	return n, fds, nil
}

// writeAncillary performs the sendmsg-equivalent write, attaching fds
// as SCM_RIGHTS ancillary data on this send only — callers are
// responsible for calling this exactly once per chunk carrying fds,
// which Serialization.GetContent already guarantees (fds are returned
// only at cursor offset 0 of a chunk).
func writeAncillary(conn *net.UnixConn, data []byte, fds []int) (int, error) {
	oob := unix.UnixRights(fds...)
	n, _, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return n, err
	}
	return n, nil
}
