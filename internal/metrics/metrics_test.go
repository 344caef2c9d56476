package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/signkey/internal/logging"
)

var fixedNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func TestMetricsCounters(t *testing.T) {
	t.Parallel()
	m := New()

	m.RecordStep("createSecret", "created")
	m.RecordStep("createSecret", "created")
	m.RecordStep("finishSecret", "promoted")
	m.RecordRenewal("skipped")
	m.RecordFailure("rotation")
	m.ObserveDuration("rotation", 0.42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal().WithLabelValues("createSecret", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal().WithLabelValues("finishSecret", "promoted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RenewalsTotal().WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal().WithLabelValues("rotation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration, DurationName))
}

func TestMetricsRegistriesAreIndependent(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.RecordRenewal("renewed")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RenewalsTotal().WithLabelValues("renewed")))
	assert.Equal(t, 0, testutil.CollectAndCount(b.RenewalsTotal()))
}

func TestPrometheusSinkSetsGauge(t *testing.T) {
	t.Parallel()
	m := New()
	sink := NewPrometheusSink(m, WithClock(func() time.Time { return fixedNow }))

	require.NoError(t, sink.RecordSecondsUntilExpiry(context.Background(), "signing-key", fixedNow.Add(36*time.Hour)))
	assert.Equal(t, float64(36*60*60), testutil.ToFloat64(m.TimeUntilExpiry().WithLabelValues("signing-key")))

	require.NoError(t, sink.RecordSecondsUntilExpiry(context.Background(), "signing-key", fixedNow.Add(-time.Minute)))
	assert.Equal(t, -60.0, testutil.ToFloat64(m.TimeUntilExpiry().WithLabelValues("signing-key")))
}

type pushRecord struct {
	method string
	path   string
	body   []byte
}

func pushgateway(t *testing.T, status int) (*httptest.Server, func() []pushRecord) {
	t.Helper()
	var mu sync.Mutex
	var records []pushRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		records = append(records, pushRecord{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []pushRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]pushRecord(nil), records...)
	}
}

func TestPrometheusSinkPushes(t *testing.T) {
	t.Parallel()
	server, records := pushgateway(t, http.StatusOK)

	m := New()
	sink := NewPrometheusSink(m, WithPushgateway(server.URL, ""), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, sink.RecordSecondsUntilExpiry(context.Background(), "signing-key", fixedNow.Add(time.Hour)))

	got := records()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/metrics/job/"+DefaultJob, got[0].path)
	assert.True(t, bytes.Contains(got[0].body, []byte(TimeUntilExpiryName)))
}

func TestPrometheusSinkPushFailure(t *testing.T) {
	t.Parallel()
	server, _ := pushgateway(t, http.StatusInternalServerError)

	m := New()
	sink := NewPrometheusSink(m, WithPushgateway(server.URL, "rotation"))
	err := sink.RecordSecondsUntilExpiry(context.Background(), "signing-key", time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push metrics")

	// The gauge is still set locally.
	assert.Equal(t, 1, testutil.CollectAndCount(m.TimeUntilExpiry()))
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewLogSink(logging.NewWithWriter(&buf, false, true))
	sink.now = func() time.Time { return fixedNow }

	require.NoError(t, sink.RecordSecondsUntilExpiry(context.Background(), "signing-key", fixedNow.Add(90*time.Second)))
	assert.Contains(t, buf.String(), TimeUntilExpiryName)
	assert.Contains(t, buf.String(), `secret_id="signing-key"`)
	assert.Contains(t, buf.String(), " 90")
}

func TestServer(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetTimeUntilExpiry("signing-key", 3600)

	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, m, nil)
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), TimeUntilExpiryName+`{secret_id="signing-key"} 3600`))

	resp, err = http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStopBeforeStart(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{}, New(), nil)
	assert.NoError(t, s.Stop(context.Background()))
}
