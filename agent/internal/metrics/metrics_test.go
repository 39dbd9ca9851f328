package metrics

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_SumsAcrossLabels(t *testing.T) {
	m := New()
	m.EventsReceived.Add(5)
	m.DeliveryFailures.WithLabelValues(ReasonTimeout).Inc()
	m.DeliveryFailures.WithLabelValues(ReasonConnection).Add(2)
	m.Buffered.Set(7)
	m.AckLatency.Observe(0.01)
	m.AckLatency.Observe(0.02)

	assert.Equal(t, 5.0, m.Value(EventsReceived))
	assert.Equal(t, 3.0, m.Value(DeliveryFailures))
	assert.Equal(t, 7.0, m.Value(BufferedEvents))
	assert.Equal(t, 2.0, m.Value(AckLatency))
	assert.Equal(t, 0.0, m.Value("no_such_metric"))
}

func TestNew_InstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.EventsAcked.Inc()
	assert.Equal(t, 1.0, a.Value(EventsAcked))
	assert.Equal(t, 0.0, b.Value(EventsAcked))
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.BatchesSent.Add(4)
	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap[BatchesSent])
	assert.Contains(t, snap, PendingEvents)
}

func TestWriteText(t *testing.T) {
	m := New()
	m.EventsAcked.Add(42)

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "# TYPE "+EventsAcked+" counter")
	assert.Contains(t, out, EventsAcked+" 42")
	assert.Less(t, strings.Index(out, BatchesSent), strings.Index(out, EventsAcked), "families sorted by name")
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnects.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), Reconnects+" 1")
}
