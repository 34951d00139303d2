package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveBooking("conflict")
	m.ObserveBooking("conflict")
	m.ObserveSettlement("claim", "approved", "applied")
	m.ObserveNotification("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookingsTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementTotal.WithLabelValues("claim", "approved", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("failed")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var m *Recorder
	m.ObserveBooking("ok")
	m.ObserveTransition("confirmed")
	m.ObserveSettlement("card", "succeeded", "applied")
	m.ObserveNotification("sent")
	m.ObserveGatewayLatency("retrieve", 0.1)
}
