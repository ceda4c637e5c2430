package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
)

func testHarness(t *testing.T, maxRestarts int) (*Supervisor, context.Context) {
	t.Helper()
	r := router.New(router.DefaultConfig(), zerolog.Nop())
	store := shmbuf.New(zerolog.Nop())
	pool := message.NewPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	disp := router.NewDispatcher(r, store, pool, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return New(r, disp, store, pool, maxRestarts, zerolog.Nop()), ctx
}

func TestSpawnPipesRoundTripsThroughCat(t *testing.T) {
	s, ctx := testHarness(t, 5)

	driver, err := s.Spawn(ctx, DriverSpec{
		Name: "cat-driver",
		Path: "/bin/cat",
		Mode: Pipes,
	})
	require.NoError(t, err)

	// /bin/cat echoes the priming getProperties straight back; the
	// driver's own onMessage treats it as a getProperties from the
	// "driver" and records a snoop subscription for the wildcard
	// device, proving the pipe round trip (write to stdin, read from
	// stdout) is wired correctly end to end.
	require.Eventually(t, func() bool {
		_, ok := driver.FindSnoop("", "")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRestartBoundStopsRespawning(t *testing.T) {
	s, ctx := testHarness(t, 3)

	_, err := s.Spawn(ctx, DriverSpec{
		Name:    "flaky-driver",
		Path:    "/bin/false",
		Mode:    Pipes,
		Restart: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, running := s.running["flaky-driver"]
		return !running
	}, 5*time.Second, 20*time.Millisecond)

	// Give any further (incorrect) respawn attempt a chance to show up.
	time.Sleep(200 * time.Millisecond)
	s.mu.Lock()
	_, stillRunning := s.running["flaky-driver"]
	s.mu.Unlock()
	assert.False(t, stillRunning, "restart policy must stop respawning once maxRestarts is reached")
}
