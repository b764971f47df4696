package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNodeMetrics_Updates(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewNodeMetrics(registry)

	m.SectionMembers.Set(5)
	m.CommandsHandled.WithLabelValues("HandleMessage").Inc()
	m.CommandsHandled.WithLabelValues("HandleMessage").Inc()
	m.StorageLevel.WithLabelValues("abc").Set(9)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.SectionMembers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsHandled.WithLabelValues("HandleMessage")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.StorageLevel.WithLabelValues("abc")))
}

func TestNodeMetrics_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewNodeMetrics(registry)
	assert.Panics(t, func() { NewNodeMetrics(registry) })
}

func TestHealthEndpoint_Handlers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewNodeMetrics(registry)
	m.QueueDepth.Set(3)

	health := Health{Joined: true, Elder: true, Prefix: "()", Members: 1}
	endpoint := NewHealthEndpoint(func() Health { return health }, registry, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	t.Run("Health", func(t *testing.T) {
		w := get("/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"joined":true,"elder":true,"prefix":"()","members":1,"queue_depth":0}`, w.Body.String())
	})

	t.Run("Liveness", func(t *testing.T) {
		w := get("/health/live")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})

	t.Run("Readiness", func(t *testing.T) {
		w := get("/health/ready")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "READY", w.Body.String())
	})

	t.Run("NotReady", func(t *testing.T) {
		health.Joined = false
		defer func() { health.Joined = true }()
		w := get("/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "NOT READY", w.Body.String())
		assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		w := get("/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "sectiond_command_queue_depth 3")
	})
}

func TestServer_ServeAndShutdown(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewNodeMetrics(registry)
	endpoint := NewHealthEndpoint(func() Health { return Health{Joined: true} }, registry, nil)

	srv, err := Listen("127.0.0.1:0", endpoint, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + srv.Addr() + "/health/live")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
