package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("stat", "hit"))
	misses := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("stat", "miss"))

	RecordCacheLookup("stat", true)
	RecordCacheLookup("stat", false)
	RecordCacheLookup("stat", false)

	assert.Equal(t, hits+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("stat", "hit")))
	assert.Equal(t, misses+2, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("stat", "miss")))
}

func TestRecordAdapterOperation(t *testing.T) {
	ok := testutil.ToFloat64(adapterOperationsTotal.WithLabelValues("memory", "stat", "success"))
	failed := testutil.ToFloat64(adapterOperationsTotal.WithLabelValues("memory", "stat", "error"))

	RecordAdapterOperation("memory", "stat", time.Millisecond, nil)
	RecordAdapterOperation("memory", "stat", time.Millisecond, errors.New("boom"))

	assert.Equal(t, ok+1, testutil.ToFloat64(adapterOperationsTotal.WithLabelValues("memory", "stat", "success")))
	assert.Equal(t, failed+1, testutil.ToFloat64(adapterOperationsTotal.WithLabelValues("memory", "stat", "error")))
}

func TestGauges(t *testing.T) {
	SetIndexSize(42)
	SetActiveWatches(3)
	SetDegradedWatches(1)

	assert.Equal(t, 42.0, testutil.ToFloat64(indexSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(activeWatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(degradedWatches))
}
