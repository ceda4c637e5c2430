package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.ParseFlags(nil))
	assert.Equal(t, 7624, c.TCPPort)
	assert.Equal(t, "/tmp/hydrogenserver", c.UnixSocketPath)
	assert.Equal(t, 10, c.MaxRestarts)
	assert.Equal(t, 0, c.Verbosity)
}

func TestParseFlagsOverridesAndPositionalDrivers(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.ParseFlags([]string{
		"-l", "/var/log/hydrogend",
		"-p", "7700",
		"-f", "/tmp/hydrogend.fifo",
		"-vv",
		"indi_simulator_ccd",
		"ccd@remote.local:7624",
	}))
	assert.Equal(t, "/var/log/hydrogend", c.LogDir)
	assert.Equal(t, 7700, c.TCPPort)
	assert.Equal(t, "/tmp/hydrogend.fifo", c.FifoPath)
	assert.Equal(t, 2, c.Verbosity)
	assert.Equal(t, []string{"indi_simulator_ccd", "ccd@remote.local:7624"}, c.DriverSpecs)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := &Config{LogLevel: "info", LogFormat: "json", MaxQueueBytes: 1, MaxStreamBytes: 1, ClientKillMB: 1, TCPPort: 0}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := &Config{LogLevel: "verbose", LogFormat: "json", MaxQueueBytes: 1, MaxStreamBytes: 1, ClientKillMB: 1, TCPPort: 7624}
	assert.Error(t, c.Validate())
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	c := &Config{LogLevel: "info", LogFormat: "json", MaxQueueBytes: 1, MaxStreamBytes: 1, ClientKillMB: 1, TCPPort: 7624}
	assert.NoError(t, c.Validate())
}
