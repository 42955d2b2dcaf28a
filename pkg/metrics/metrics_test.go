package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsChargesAndSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r1 := NewRecorder(reg)
	r2 := NewRecorder(reg)

	r1.ObserveCharge("paid")
	r2.ObserveCharge("paid")
	r2.ObserveCharge("failed")
	r1.ObserveProcess("recurring", "charge", time.Now())

	require.Equal(t, 2.0, testutil.ToFloat64(r1.charges.WithLabelValues("paid")))
	require.Equal(t, 1.0, testutil.ToFloat64(r1.charges.WithLabelValues("failed")))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.ObserveCharge("paid")
		r.ObserveWebhook("PAYMENT_STATUS_CHANGED", "handled")
		r.ObserveProcess("a", "b", time.Now())
	})
}

func TestComputeApproximateRequestSize(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/toss", strings.NewReader("{}"))
	require.Greater(t, computeApproximateRequestSize(req), len("/webhooks/toss"))
}
