package supervisor

import (
	"io"
	"net"
	"time"
)

// pipeAddr satisfies net.Addr for a local subprocess pipe pair, which
// has no real network address.
type pipeAddr struct{ name string }

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.name }

// pipeConn adapts a subprocess's separate stdin/stdout pipes into a
// single net.Conn so internal/queue.MsgQueue can drive it the same
// way it drives a TCP or UNIX socket. Deadlines are accepted but
// ignored — queue never relies on them outside tests against real
// sockets, and os.Pipe doesn't support them.
type pipeConn struct {
	name string
	r    io.ReadCloser
	w    io.WriteCloser
}

func newPipeConn(name string, r io.ReadCloser, w io.WriteCloser) net.Conn {
	return &pipeConn{name: name, r: r, w: w}
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{p.name} }
func (p *pipeConn) RemoteAddr() net.Addr                { return pipeAddr{p.name} }
func (p *pipeConn) SetDeadline(t time.Time) error       { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error   { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error  { return nil }
