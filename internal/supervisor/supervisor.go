// Package supervisor implements spec.md §4.G: spawning local driver
// subprocesses in either pipe or socketpair mode, capturing stderr as
// a line log, reaping the child, and applying a bounded restart
// policy. There is no pack precedent for subprocess supervision (the
// teacher and the rest of the examples are all network services with
// no child-process concept), so the shape here follows spec.md
// directly; only the close/cleanup *sequencing* — stop watchers,
// release queued work, fire the callback once — is grounded on the
// teacher's connection-teardown ordering in internal/queue.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
	"github.com/hydrogend/hydrogend/internal/queue"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
)

// Mode selects how the child's stdio is wired.
type Mode int

const (
	// Pipes wires three independent pipes (stdin/stdout/stderr); no
	// ancillary-data transport is possible on this link.
	Pipes Mode = iota
	// Socketpair wires a single bidirectional AF_UNIX SOCK_STREAM for
	// stdin+stdout, enabling SCM_RIGHTS BLOB transport, plus a
	// separate stderr pipe.
	Socketpair
)

// DriverSpec describes one configured local driver, the way a line of
// the FIFO `start` command or a static config entry would.
type DriverSpec struct {
	Name    string // stable identifier, also used as the default exec name
	Path    string // resolved executable path (prefix-joined already)
	Args    []string
	Mode    Mode
	Env     map[string]string // HYDROGENDEV/HYDROGENCONFIG/HYDROGENSKEL/HYDROGENPREFIX, etc.
	Restart bool
}

// Supervisor spawns and restarts local driver subprocesses, wiring
// each one's queue into the shared router.
type Supervisor struct {
	router     *router.Router
	dispatcher *router.Dispatcher
	store      *shmbuf.Store
	pool       *message.Pool
	logger     zerolog.Logger

	maxRestarts int

	mu      sync.Mutex
	running map[string]*runningDriver
}

type runningDriver struct {
	cmd    *exec.Cmd
	driver *peer.Driver
}

// New ties a Supervisor to the shared router/store/pool every spawned
// driver's queue needs.
func New(r *router.Router, d *router.Dispatcher, store *shmbuf.Store, pool *message.Pool, maxRestarts int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		router:      r,
		dispatcher:  d,
		store:       store,
		pool:        pool,
		maxRestarts: maxRestarts,
		logger:      logger,
		running:     make(map[string]*runningDriver),
	}
}

// Spawn forks and execs spec, registers the resulting driver with the
// router, and launches its queue pumps, stderr watcher, and reaper.
// It returns as soon as the child has started; the initial
// getProperties priming happens asynchronously once the queue is
// running.
func (s *Supervisor) Spawn(ctx context.Context, spec DriverSpec) (*peer.Driver, error) {
	return s.spawn(ctx, spec, 0)
}

func (s *Supervisor) spawn(ctx context.Context, spec DriverSpec, restarts int) (*peer.Driver, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = buildEnv(os.Environ(), spec.Env)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	var conn netConnCloser
	switch spec.Mode {
	case Pipes:
		conn, err = wirePipes(cmd)
	case Socketpair:
		conn, err = wireSocketpair(cmd)
	default:
		return nil, fmt.Errorf("supervisor: unknown mode %d", spec.Mode)
	}
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("supervisor: exec %s: %w", spec.Path, err)
	}
	conn.afterStart()

	logger := s.logger.With().Str("driver", spec.Name).Int("pid", cmd.Process.Pid).Logger()
	// queue.New recognises ancillary-capable transports by their
	// *net.UnixConn type, so hand it the socketpair's own UnixConn.
	var qconn net.Conn = conn
	if sp, ok := conn.(*socketpairConn); ok {
		qconn = sp.UnixConn
	}
	q := queue.New(spec.Name, qconn, logger)
	driver := peer.NewLocalDriver(q, spec.Name, spec.Env, spec.Restart)
	driver.PID = cmd.Process.Pid
	driver.SetRestarts(restarts)

	q.SetOnMessage(s.dispatcher.DriverHandler(driver))
	q.SetOnClose(func(*queue.MsgQueue) {
		s.onExit(ctx, spec, driver, restarts)
	})

	s.router.RegisterDriver(driver)
	q.Start(ctx)
	go watchStderr(stderrPipe, logger)
	go s.reap(cmd, spec, driver, logger)

	s.mu.Lock()
	s.running[spec.Name] = &runningDriver{cmd: cmd, driver: driver}
	s.mu.Unlock()

	primeGetProperties(driver, s.store, s.pool, logger)
	return driver, nil
}

// reap waits for the child to exit and closes its queue, which
// triggers onExit via the OnClose callback.
func (s *Supervisor) reap(cmd *exec.Cmd, spec DriverSpec, driver *peer.Driver, logger zerolog.Logger) {
	err := cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			logger.Info().Int("exit_code", exitErr.ExitCode()).Msg("driver exited")
		} else {
			logger.Warn().Err(err).Msg("driver wait failed")
		}
	} else {
		logger.Info().Msg("driver exited cleanly")
	}
	driver.Close()
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// onExit applies spec.md §4.G's restart policy once a driver's queue
// has fully closed: broadcast delProperty for every served device,
// then either terminate or clone-and-respawn.
func (s *Supervisor) onExit(ctx context.Context, spec DriverSpec, driver *peer.Driver, restarts int) {
	s.router.RemoveDriver(driver)

	s.mu.Lock()
	delete(s.running, spec.Name)
	s.mu.Unlock()

	broadcastDelProperties(s.router, driver, s.store, s.pool, s.logger)

	if !driver.RestartEnabled() || restarts >= s.maxRestarts {
		s.logger.Info().Str("driver", spec.Name).Int("restarts", restarts).Msg("driver restart exhausted or disabled")
		return
	}

	s.logger.Info().Str("driver", spec.Name).Int("restarts", restarts+1).Msg("respawning driver")
	if _, err := s.spawn(ctx, spec, restarts+1); err != nil {
		s.logger.Error().Err(err).Str("driver", spec.Name).Msg("respawn failed")
	}
}

// Stop disables restart for name and sends SIGKILL to its process
// (the child alone, not a process group), per spec.md §4.G's teardown
// description. The reaper's onExit
// still fires, but RestartEnabled will be false by then.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	rd, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no running driver %q", name)
	}
	rd.driver.DisableRestart()
	if rd.cmd.Process == nil {
		return fmt.Errorf("supervisor: driver %q has no process", name)
	}
	return rd.cmd.Process.Signal(syscall.SIGKILL)
}

// netConnCloser is the minimal surface Spawn needs before the queue
// takes over: the eventual net.Conn, a way to release parent-side fds
// that belong to the child after Start, and a way to undo the wiring
// if Start itself fails.
type netConnCloser interface {
	net.Conn
	afterStart()
}

// ResolvePath implements spec.md §4.G's exec resolution: a relative
// path containing a separator is joined against the configured prefix
// (or, with no prefix, the daemon's own directory for a path starting
// with "." and the working directory otherwise), anything else is
// looked up on PATH.
func ResolvePath(prefix, name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	if filepath.Base(name) != name {
		if prefix != "" {
			return filepath.Join(prefix, name), nil
		}
		if strings.HasPrefix(name, ".") {
			return filepath.Join(filepath.Dir(os.Args[0]), name), nil
		}
		return filepath.Abs(name)
	}
	return exec.LookPath(name)
}
