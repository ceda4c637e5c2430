package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// pipesConn wraps the child's stdin and stdout os/exec pipes as one
// net.Conn (stderr is watched separately), per
// spec.md §4.G's "Pipes" mode.
type pipesConn struct {
	net.Conn
}

func wirePipes(cmd *exec.Cmd) (netConnCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	return &pipesConn{Conn: newPipeConn(cmd.Path, stdout, stdin)}, nil
}

func (p *pipesConn) afterStart() {}

// socketpairConn wraps the parent end of an AF_UNIX SOCK_STREAM
// socketpair, the child end of which is dup2'd to both fd 0 and fd 1
// in the child, per spec.md §4.G's "Socketpair" mode (enables
// SCM_RIGHTS ancillary-data transport).
type socketpairConn struct {
	*net.UnixConn
	childFile *os.File
}

func wireSocketpair(cmd *exec.Cmd) (netConnCloser, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), cmd.Path+"-parent")
	childFile := os.NewFile(uintptr(fds[1]), cmd.Path+"-child")

	parentConn, err := net.FileConn(parentFile)
	_ = parentFile.Close() // net.FileConn dup'd the fd; close our copy
	if err != nil {
		_ = childFile.Close()
		return nil, fmt.Errorf("supervisor: wrap parent socketpair end: %w", err)
	}
	unixConn, ok := parentConn.(*net.UnixConn)
	if !ok {
		_ = parentConn.Close()
		_ = childFile.Close()
		return nil, fmt.Errorf("supervisor: socketpair end is not a UnixConn")
	}

	// Same *os.File used for both stdin and stdout: os/exec dup2s it
	// to both fd 0 and fd 1 in the child.
	cmd.Stdin = childFile
	cmd.Stdout = childFile

	return &socketpairConn{UnixConn: unixConn, childFile: childFile}, nil
}

// afterStart releases the parent's copy of the child's socketpair
// end, now that os/exec has dup2'd it into the child.
func (s *socketpairConn) afterStart() {
	_ = s.childFile.Close()
}
