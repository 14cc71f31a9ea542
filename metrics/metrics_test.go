package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestClassifyHealthyByDefault(t *testing.T) {
	hs := Classify(HealthInputs{CacheHitRate: 0.95})
	if hs.Status != Healthy {
		t.Errorf("expected Healthy, got %v (%v)", hs.Status, hs.Reasons)
	}
}

func TestClassifyDegradedOnLowCacheHitRate(t *testing.T) {
	hs := Classify(HealthInputs{CacheHitRate: 0.2})
	if hs.Status != Degraded {
		t.Errorf("expected Degraded, got %v", hs.Status)
	}
	if len(hs.Reasons) == 0 {
		t.Error("expected a reason to be reported")
	}
}

func TestClassifyUnhealthyWhenWALExceedsMax(t *testing.T) {
	hs := Classify(HealthInputs{
		CacheHitRate:    0.99,
		WALSizeBytes:    200,
		MaxWALSizeBytes: 100,
	})
	if hs.Status != Unhealthy {
		t.Errorf("expected Unhealthy, got %v", hs.Status)
	}
}

func TestClassifyDegradedWhenCheckpointOverdue(t *testing.T) {
	hs := Classify(HealthInputs{
		CacheHitRate:        0.99,
		TimeSinceCheckpoint: time.Hour,
		CheckpointBudget:    time.Minute,
	})
	if hs.Status != Degraded {
		t.Errorf("expected Degraded, got %v", hs.Status)
	}
}

func TestCollectorObserveCacheOnlyCountsDeltas(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveCache(10, 2)
	c.ObserveCache(15, 2)

	snap := c.Snapshot()
	if snap.CacheHits != 15 {
		t.Errorf("expected 15 cache hits, got %d", snap.CacheHits)
	}
	if snap.CacheMisses != 2 {
		t.Errorf("expected 2 cache misses, got %d", snap.CacheMisses)
	}
}

func TestCollectorCommitLatencyPercentiles(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	for i := 1; i <= 100; i++ {
		c.ObserveCommit(time.Duration(i) * time.Millisecond)
	}
	snap := c.Snapshot()
	if snap.Commits != 100 {
		t.Errorf("expected 100 commits, got %d", snap.Commits)
	}
	if snap.P50CommitLatency <= 0 || snap.P99CommitLatency <= snap.P50CommitLatency {
		t.Errorf("expected increasing percentiles, got p50=%v p99=%v", snap.P50CommitLatency, snap.P99CommitLatency)
	}
}

func TestCollectorSeparateRegistriesDontPanic(t *testing.T) {
	c1 := NewCollector(prometheus.NewRegistry())
	c2 := NewCollector(prometheus.NewRegistry())
	c1.ObserveCache(1, 0)
	c2.ObserveCache(1, 0)
}

func TestSnapshotStatsDLinesFormat(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveCache(5, 1)
	c.ObserveCommit(2 * time.Millisecond)
	lines := c.Snapshot().StatsDLines("")
	if len(lines) != 8 {
		t.Fatalf("expected 8 statsd lines, got %d", len(lines))
	}
	if lines[0] != "sombra.cache.hits:5|c" {
		t.Errorf("unexpected first line: %q", lines[0])
	}
}
