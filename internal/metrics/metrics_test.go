package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enqueued("email", true)
	m.Enqueued("email", false)
	m.Enqueued("email", false)
	m.Claimed("email")
	m.Outcome("email", "retried")
	m.Conflict()
	m.Reaped(3)
	m.Executed("email", "retried", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("email", "created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued.WithLabelValues("email", "deduplicated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimed.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("email", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reaped))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.Claimed("sms")
	b.Claimed("sms")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.claimed.WithLabelValues("sms")))
}
