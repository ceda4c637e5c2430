package listener

import (
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// logPeerCred logs the connecting process's uid/gid/pid via
// SO_PEERCRED, best effort, per spec.md §4.I. It's a no-op for
// anything but a UNIX socket, and failures are logged at debug level
// rather than treated as connection errors.
func logPeerCred(conn net.Conn, logger zerolog.Logger) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || sockErr != nil || cred == nil {
		logger.Debug().Msg("SO_PEERCRED unavailable for this connection")
		return
	}
	logger.Info().
		Uint32("peer_pid", uint32(cred.Pid)).
		Uint32("peer_uid", cred.Uid).
		Uint32("peer_gid", cred.Gid).
		Msg("accepted UNIX client")
}
