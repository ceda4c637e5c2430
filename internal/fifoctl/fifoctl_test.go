package fifoctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/remote"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/supervisor"
)

func TestParseCommandStartWithAllOptions(t *testing.T) {
	cmd, err := parseCommand(`start indi_simulator_ccd -n "CCD Simulator" -c "/etc/conf.xml" -s "/usr/share/skel" -p "/usr/bin"`)
	require.NoError(t, err)
	assert.Equal(t, "start", cmd.verb)
	assert.Equal(t, "indi_simulator_ccd", cmd.name)
	assert.Equal(t, "CCD Simulator", cmd.label)
	assert.Equal(t, "/etc/conf.xml", cmd.config)
	assert.Equal(t, "/usr/share/skel", cmd.skel)
	assert.Equal(t, "/usr/bin", cmd.prefix)
}

func TestParseCommandStop(t *testing.T) {
	cmd, err := parseCommand(`stop indi_simulator_ccd -n "CCD Simulator"`)
	require.NoError(t, err)
	assert.Equal(t, "stop", cmd.verb)
	assert.Equal(t, "indi_simulator_ccd", cmd.name)
	assert.Equal(t, "CCD Simulator", cmd.label)
}

func TestParseCommandRejectsUnknownVerb(t *testing.T) {
	_, err := parseCommand("restart foo")
	assert.Error(t, err)
}

func TestParseCommandRejectsUnterminatedQuote(t *testing.T) {
	_, err := parseCommand(`start foo -n "unterminated`)
	assert.Error(t, err)
}

func TestParseCommandRejectsTooFewArgs(t *testing.T) {
	_, err := parseCommand("start")
	assert.Error(t, err)
}

func testController(t *testing.T, fifoPath string) (*Controller, *router.Router, context.Context) {
	t.Helper()
	r := router.New(router.DefaultConfig(), zerolog.Nop())
	store := shmbuf.New(zerolog.Nop())
	pool := message.NewPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	disp := router.NewDispatcher(r, store, pool, zerolog.Nop())
	sup := supervisor.New(r, disp, store, pool, 3, zerolog.Nop())
	dialer := remote.New(r, disp, store, pool, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return New(fifoPath, "", r, sup, dialer, zerolog.Nop()), r, ctx
}

func TestRunStartsLocalDriverFromFifoCommand(t *testing.T) {
	dir := t.TempDir()
	fifoPath := filepath.Join(dir, "hydrogend_fifo")
	c, r, ctx := testController(t, fifoPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(fifoPath)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	w, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = w.WriteString("start /bin/cat -n \"Cat Driver\"\n")
	require.NoError(t, err)
	w.Close()

	require.Eventually(t, func() bool {
		_, drivers := r.Stats()
		return drivers == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRunStopsLocalDriverFromFifoCommand(t *testing.T) {
	dir := t.TempDir()
	fifoPath := filepath.Join(dir, "hydrogend_fifo")
	c, r, ctx := testController(t, fifoPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(fifoPath)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	write := func(s string) {
		w, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = w.WriteString(s)
		require.NoError(t, err)
		w.Close()
	}

	write("start /bin/cat\n")
	require.Eventually(t, func() bool {
		_, drivers := r.Stats()
		return drivers == 1
	}, 3*time.Second, 20*time.Millisecond)

	write("stop /bin/cat\n")
	require.Eventually(t, func() bool {
		_, drivers := r.Stats()
		return drivers == 0
	}, 3*time.Second, 20*time.Millisecond)
}
