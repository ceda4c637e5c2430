package peer

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/queue"
)

func testQueue(t *testing.T, id string) *queue.MsgQueue {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	t.Cleanup(func() { server.Close() })
	return queue.New(id, server, zerolog.Nop())
}

func TestClientAllPropsMatchesEverything(t *testing.T) {
	c := NewClient(testQueue(t, "c1"))
	c.SetAllProps()
	sub, ok := c.FindSubscription("CCD", "EXPOSURE")
	require.True(t, ok)
	assert.Equal(t, "CCD", sub.Device)
}

func TestClientWildcardSubscriptionMatchesAnyName(t *testing.T) {
	c := NewClient(testQueue(t, "c2"))
	c.Subscribe("CCD", "", message.BlobAlso)
	sub, ok := c.FindSubscription("CCD", "EXPOSURE")
	require.True(t, ok)
	assert.Equal(t, message.BlobAlso, sub.Blob)

	_, ok = c.FindSubscription("FocusMotor", "SPEED")
	assert.False(t, ok)
}

func TestClientSubscribeUpdatesExistingEntry(t *testing.T) {
	c := NewClient(testQueue(t, "c3"))
	c.Subscribe("CCD", "EXPOSURE", message.BlobNever)
	c.Subscribe("CCD", "EXPOSURE", message.BlobOnly)
	sub, ok := c.FindSubscription("CCD", "EXPOSURE")
	require.True(t, ok)
	assert.Equal(t, message.BlobOnly, sub.Blob)
}

func TestDriverServesTracksDiscoveredDevices(t *testing.T) {
	d := NewLocalDriver(testQueue(t, "d1"), "indi_ccd_simulator", nil, true)
	assert.False(t, d.Serves("CCD Simulator"))
	d.AddDevice("CCD Simulator")
	assert.True(t, d.Serves("CCD Simulator"))
	assert.True(t, d.Serves(""))
	assert.True(t, d.Serves("*"))
}

func TestRemoteDriverUID(t *testing.T) {
	d := NewRemoteDriver(testQueue(t, "d2"), "CCD Simulator@relay", "relay.local", 7624, "CCD Simulator")
	assert.True(t, d.IsRemote())
	assert.Equal(t, "relay.local:7624", d.RemoteServerUID())
	assert.True(t, d.Serves("CCD Simulator"))
}

func TestLocalDriverUIDIsEmpty(t *testing.T) {
	d := NewLocalDriver(testQueue(t, "d3"), "indi_ccd_simulator", nil, false)
	assert.False(t, d.IsRemote())
	assert.Equal(t, "", d.RemoteServerUID())
}

func TestDriverSnoopSubscription(t *testing.T) {
	d := NewLocalDriver(testQueue(t, "d4"), "indi_focuser_simulator", nil, false)
	d.AddSnoop("CCD Simulator", "CCD_EXPOSURE", message.BlobNever)
	sub, ok := d.FindSnoop("CCD Simulator", "CCD_EXPOSURE")
	require.True(t, ok)
	assert.Equal(t, message.BlobNever, sub.Blob)

	d.SetSnoopBlobMode("CCD Simulator", "CCD_EXPOSURE", message.BlobAlso)
	sub, ok = d.FindSnoop("CCD Simulator", "CCD_EXPOSURE")
	require.True(t, ok)
	assert.Equal(t, message.BlobAlso, sub.Blob)
}

func TestDriverCloneForRestartIncrementsCountAndResetsDevices(t *testing.T) {
	d := NewLocalDriver(testQueue(t, "d5"), "indi_ccd_simulator", map[string]string{"HYDROGENDEV": "1"}, true)
	d.AddDevice("CCD Simulator")
	assert.Equal(t, 0, d.Restarts())

	clone := d.CloneForRestart(testQueue(t, "d5r"))
	assert.Equal(t, 1, clone.Restarts())
	assert.False(t, clone.Serves("CCD Simulator"))
	assert.True(t, clone.RestartEnabled())
	assert.Equal(t, d.Env, clone.Env)
}

func TestDriverDisableRestart(t *testing.T) {
	d := NewLocalDriver(testQueue(t, "d6"), "indi_ccd_simulator", nil, true)
	require.True(t, d.RestartEnabled())
	d.DisableRestart()
	assert.False(t, d.RestartEnabled())
}
