package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAdmission(t *testing.T) {
	allowedBefore, rejectedBefore := AdmissionTotals()
	counter := AdmissionDecisions.WithLabelValues("relay", "allowed")
	before := testutil.ToFloat64(counter)

	RecordAdmission("relay", "allowed", time.Millisecond)
	RecordAdmission("relay", "not_found", time.Millisecond)
	RecordAdmission("direct", "denied", time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	allowed, rejected := AdmissionTotals()
	assert.Equal(t, allowedBefore+1, allowed)
	assert.Equal(t, rejectedBefore+2, rejected)
}

func TestRegisterMetricsPreCreatesSeries(t *testing.T) {
	RegisterMetrics()

	assert.Equal(t, 4, testutil.CollectAndCount(PeersByHealth))
	assert.Equal(t, 3, testutil.CollectAndCount(SyncRuns))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(AdmissionDecisions), 8)
	assert.Equal(t, 0.0, testutil.ToFloat64(BanRefreshes.WithLabelValues("failure")))
}

func TestIncrementErrorCount(t *testing.T) {
	before := GetErrorCount()
	typed := testutil.ToFloat64(ErrorsCount.WithLabelValues("store"))

	IncrementErrorCount("store")

	assert.Equal(t, before+1, GetErrorCount())
	assert.Equal(t, typed+1, testutil.ToFloat64(ErrorsCount.WithLabelValues("store")))
}
