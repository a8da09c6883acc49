package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/precompute"
	"github.com/afterdarksys/querycached/pkg/querycache"
)

var (
	_ cache.Observer     = (*Collector)(nil)
	_ querycache.Metrics = (*Collector)(nil)
	_ precompute.Metrics = (*Collector)(nil)
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("querycached")

	c.TierHit("memory")
	c.TierHit("memory")
	c.ChainMiss()
	c.TierError("redis", "set")
	c.Inserted("links", 3)
	c.Deleted("links", 1)
	c.Pruned("saved", 2)
	c.StaleRow("links")
	c.Recomputed("links", time.Millisecond, nil)
	c.Recomputed("links", time.Millisecond, errors.New("boom"))
	c.JobFinished("links.top.week", precompute.OutcomeSuccess, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tierHits.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chainMiss))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierErrors.WithLabelValues("redis", "set")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inserted.WithLabelValues("links")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deleted.WithLabelValues("links")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pruned.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.staleRows.WithLabelValues("links")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recomputes.WithLabelValues("links", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("links.top.week", "success")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TierHit("memory")
		c.ChainMiss()
		c.Inserted("links", 1)
		c.JobFinished("x", precompute.OutcomeFailure, 0)
		c.RecordRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestHandlerExportsMetrics(t *testing.T) {
	c := NewCollector("querycached")
	c.RecordRequest("GET", "/health", 200, time.Millisecond)
	c.Inserted("links", 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `querycached_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, string(body), `querycached_query_items_inserted_total{family="links"} 1`)
}
