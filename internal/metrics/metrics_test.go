package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PeersConnected.WithLabelValues("client").Set(3)
	m.MessagesRouted.WithLabelValues("clients").Inc()
	m.BytesSent.Add(128)
	m.DriverRestarts.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHandlerServesExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BytesReceived.Add(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "hydrogend_bytes_received_total")
}
