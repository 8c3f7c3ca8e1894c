package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDial(t *testing.T) {
	m := New()
	m.ObserveDial("direct", errors.New("refused"))
	m.ObserveDial("nat64", nil)
	m.ObserveDial("nat64", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DialAttempts.WithLabelValues("direct", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DialAttempts.WithLabelValues("nat64", "ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SessionsActive.Inc()
	m.HandshakeFailures.WithLabelValues("auth_mismatch").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "edge_sessions_active 1")
	assert.Contains(t, string(body), `edge_handshake_failures_total{reason="auth_mismatch"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
