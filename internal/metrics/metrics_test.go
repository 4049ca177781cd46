package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func TestHandler_ExposesDemoMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	StepAdvancesTotal.WithLabelValues("hello-milestone", "fund").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "demoengine_active_sessions")
	assert.Contains(t, body, "demoengine_active_websocket_clients")
	assert.Contains(t, body, `demoengine_step_advances_total{demo="hello-milestone",step="fund"}`)
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/v1/sessions/a", "/v1/sessions/b", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/sessions/:id", "4xx")))
	assert.Equal(t, 1.0, counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
}

func TestDemoCompletionsTotal(t *testing.T) {
	DemoCompletionsTotal.Reset()
	DemoCompletionsTotal.WithLabelValues("dispute-resolution", "ok").Inc()

	assert.Equal(t, 1.0, counterValue(t, DemoCompletionsTotal.WithLabelValues("dispute-resolution", "ok")))
	assert.Equal(t, 0.0, counterValue(t, DemoCompletionsTotal.WithLabelValues("dispute-resolution", "persist_error")))
}

func TestStartRuntimeCollector_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartRuntimeCollector(ctx, nil, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	m := &dto.Metric{}
	require.NoError(t, GoroutineCount.Write(m))
	assert.Positive(t, m.GetGauge().GetValue())
}
