// ABOUTME: Tests for collector registration and nil-safe recording
// ABOUTME: Uses a private registry per test

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewClient(reg)

	c.Reconnect()
	c.Reconnect()
	c.Delivery("confirmed")
	c.PublishFailure("timeout")
	c.AssignmentConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deliveries.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PublishFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AssignmentConflicts))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilReceiversAreNoops(t *testing.T) {
	var c *Client
	var r *Relay
	assert.NotPanics(t, func() {
		c.Reconnect()
		c.Delivery("appended")
		c.DecodeError()
		c.HistoryError()
		r.Connected(1)
		r.Frame("SEND")
		r.Message()
		r.HTTPRequest("GET", "/api/rooms/{id}", "200")
	})
}

func TestRelay_Connections(t *testing.T) {
	r := NewRelay(prometheus.NewRegistry())
	r.Connected(1)
	r.Connected(1)
	r.Connected(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Connections))
}
