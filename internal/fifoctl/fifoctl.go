// Package fifoctl implements spec.md §4.J: the FIFO control channel
// that lets an operator start and stop drivers at runtime by writing
// line-oriented commands to a named pipe.
package fifoctl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/remote"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/supervisor"
)

// bufSize is the rolling read buffer spec.md §4.J specifies.
const bufSize = 1024

// Controller owns the FIFO's open file descriptor and dispatches
// parsed start/stop commands to the supervisor and remote dialer.
type Controller struct {
	path       string
	prefix     string
	router     *router.Router
	supervisor *supervisor.Supervisor
	dialer     *remote.Dialer
	logger     zerolog.Logger
}

// New ties a Controller to the shared router plus the local-driver
// supervisor and remote-driver dialer it dispatches start commands to.
func New(path, prefix string, r *router.Router, sup *supervisor.Supervisor, dialer *remote.Dialer, logger zerolog.Logger) *Controller {
	return &Controller{path: path, prefix: prefix, router: r, supervisor: sup, dialer: dialer, logger: logger}
}

// Run opens the FIFO and processes commands until ctx is cancelled.
// On EOF, a read error other than EAGAIN, or an overflowing line, it
// closes and reopens the FIFO rather than exiting, per spec.md §4.J.
func (c *Controller) Run(ctx context.Context) error {
	if err := ensureFifo(c.path); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn().Err(err).Str("path", c.path).Msg("fifo control channel closed, reopening")
		}
	}
}

func ensureFifo(path string) error {
	err := syscall.Mkfifo(path, 0600)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("fifoctl: mkfifo %s: %w", path, err)
	}
	return nil
}

// runOnce opens the FIFO once, processes lines until EOF/overflow/
// error, and returns. The caller loops to reopen.
func (c *Controller) runOnce(ctx context.Context) error {
	f, err := os.OpenFile(c.path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var pending bytes.Buffer
	buf := make([]byte, bufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := f.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			c.drainLines(ctx, &pending)
			if pending.Len() > bufSize {
				return fmt.Errorf("control line exceeded %d bytes", bufSize)
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("eof")
			}
			if errIsEAGAIN(err) {
				// Non-blocking FIFO with no data available yet; back
				// off briefly and keep polling the same fd.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
				continue
			}
			return err
		}
	}
}

func errIsEAGAIN(err error) bool {
	pe, ok := err.(*os.PathError)
	if !ok {
		return false
	}
	return pe.Err == syscall.EAGAIN
}

// drainLines splits pending on newlines, dispatching each complete
// line as a command and leaving any trailing partial line buffered.
func (c *Controller) drainLines(ctx context.Context, pending *bytes.Buffer) {
	data := pending.Bytes()
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		line := string(data[start:i])
		start = i + 1
		c.dispatch(ctx, line)
	}
	remainder := append([]byte(nil), data[start:]...)
	pending.Reset()
	pending.Write(remainder)
}

func (c *Controller) dispatch(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	cmd, err := parseCommand(line)
	if err != nil {
		c.logger.Warn().Err(err).Str("line", line).Msg("malformed fifo control command")
		return
	}
	switch cmd.verb {
	case "start":
		c.handleStart(ctx, cmd)
	case "stop":
		c.handleStop(cmd)
	default:
		c.logger.Warn().Str("verb", cmd.verb).Msg("unknown fifo control command")
	}
}

func (c *Controller) handleStart(ctx context.Context, cmd command) {
	if strings.Contains(cmd.name, "@") {
		if _, err := c.dialer.Connect(ctx, cmd.name); err != nil {
			c.logger.Error().Err(err).Str("name", cmd.name).Msg("start: remote dial failed")
			return
		}
		c.logger.Info().Str("name", cmd.name).Msg("started remote driver")
		return
	}

	prefix := c.prefix
	if cmd.prefix != "" {
		prefix = cmd.prefix
	}
	path, err := supervisor.ResolvePath(prefix, cmd.name)
	if err != nil {
		c.logger.Error().Err(err).Str("name", cmd.name).Msg("start: failed to resolve driver path")
		return
	}

	// An option left out yields an empty value, which buildEnv turns
	// into removing that variable from the child's environment.
	env := map[string]string{
		"HYDROGENDEV":    cmd.label,
		"HYDROGENCONFIG": cmd.config,
		"HYDROGENSKEL":   cmd.skel,
	}

	spec := supervisor.DriverSpec{
		Name:    cmd.name,
		Path:    path,
		Mode:    supervisor.Socketpair,
		Env:     env,
		Restart: true,
	}
	if _, err := c.supervisor.Spawn(ctx, spec); err != nil {
		c.logger.Error().Err(err).Str("name", cmd.name).Msg("start: spawn failed")
	}
}

func (c *Controller) handleStop(cmd command) {
	if err := c.supervisor.Stop(cmd.name); err == nil {
		c.logger.Info().Str("name", cmd.name).Msg("stopped local driver")
		return
	}

	drivers := c.router.FindDriversByName(cmd.name)
	if len(drivers) == 0 {
		c.logger.Warn().Str("name", cmd.name).Msg("stop: no driver matches")
		return
	}
	for _, d := range drivers {
		if cmd.label != "" && !d.Serves(cmd.label) {
			continue
		}
		d.DisableRestart()
		d.Close()
		c.logger.Info().Str("name", cmd.name).Msg("stopped driver")
	}
}

// command is a parsed start/stop line.
type command struct {
	verb   string
	name   string
	label  string // -n
	config string // -c
	skel   string // -s
	prefix string // -p
}

// parseCommand tokenizes a line honoring double-quoted arguments and
// fills in the recognized -n/-c/-s/-p options, per spec.md §4.J.
func parseCommand(line string) (command, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return command{}, err
	}
	if len(tokens) < 2 {
		return command{}, fmt.Errorf("expected \"start|stop <name> ...\", got %q", line)
	}
	cmd := command{verb: tokens[0], name: tokens[1]}
	if cmd.verb != "start" && cmd.verb != "stop" {
		return command{}, fmt.Errorf("unknown verb %q", cmd.verb)
	}
	args := tokens[2:]
	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return command{}, fmt.Errorf("flag %q missing value", flag)
		}
		val := args[i+1]
		i++
		switch flag {
		case "-n":
			cmd.label = val
		case "-c":
			cmd.config = val
		case "-s":
			cmd.skel = val
		case "-p":
			cmd.prefix = val
		default:
			return command{}, fmt.Errorf("unknown flag %q", flag)
		}
	}
	return cmd, nil
}

// tokenize splits on whitespace, honoring "double quoted sections" as
// a single token.
func tokenize(line string) ([]string, error) {
	var tokens []string
	scanner := bufio.NewScanner(strings.NewReader(line))
	scanner.Split(bufio.ScanRunes)

	var cur strings.Builder
	inQuotes := false
	haveToken := false
	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}
	for scanner.Scan() {
		r := scanner.Text()
		switch {
		case r == `"`:
			inQuotes = !inQuotes
			haveToken = true
		case r == " " || r == "\t":
			if inQuotes {
				cur.WriteString(r)
			} else {
				flush()
			}
		default:
			cur.WriteString(r)
			haveToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	flush()
	return tokens, nil
}
