package auditlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesExpectedLineFormat(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zerolog.Nop())
	defer l.Close()

	require.NoError(t, l.Record("CCD Simulator", "CONNECTED"))

	today := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, today+".islog"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ": CCD Simulator: CONNECTED\n")
}

func TestRecordWithEmptyDirIsNoOp(t *testing.T) {
	l := New("", zerolog.Nop())
	assert.NoError(t, l.Record("CCD Simulator", "CONNECTED"))
}

func TestRecordAppendsAcrossMultipleCalls(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zerolog.Nop())
	defer l.Close()

	require.NoError(t, l.Record("CCD Simulator", "line one"))
	require.NoError(t, l.Record("CCD Simulator", "line two"))

	today := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, today+".islog"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "line one")
	assert.Contains(t, string(data), "line two")
}

func TestCloseIsIdempotentOnEmptyLogger(t *testing.T) {
	l := New(t.TempDir(), zerolog.Nop())
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
