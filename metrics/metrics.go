// Package metrics expose les compteurs de performance du moteur (cache, WAL, latence de
// commit) et une classification de santé dérivée, avec export Prometheus/JSON/StatsD
// (§4.10).
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status classe l'état de santé global de la base.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthStatus est le rapport de santé renvoyé par DB.Health() (paquet sombra).
type HealthStatus struct {
	Status  Status
	Reasons []string
}

// HealthInputs rassemble les signaux bruts dont dépend la classification de santé.
type HealthInputs struct {
	CacheHitRate        float64
	WALSizeBytes        int64
	MaxWALSizeBytes     int64
	TimeSinceCheckpoint time.Duration
	CheckpointBudget    time.Duration
}

// Classify dérive un HealthStatus des signaux observés. Dégradé si le WAL dépasse 80 %
// de sa taille maximale, si le taux de succès du cache passe sous 0,50 ou si le
// checkpoint accuse du retard ; malsain si le WAL dépasse sa taille maximale.
func Classify(in HealthInputs) HealthStatus {
	var reasons []string
	status := Healthy

	if in.MaxWALSizeBytes > 0 && in.WALSizeBytes > in.MaxWALSizeBytes {
		reasons = append(reasons, fmt.Sprintf("WAL size %d exceeds configured maximum %d", in.WALSizeBytes, in.MaxWALSizeBytes))
		status = Unhealthy
	} else if in.MaxWALSizeBytes > 0 && in.WALSizeBytes > in.MaxWALSizeBytes*8/10 {
		reasons = append(reasons, fmt.Sprintf("WAL size %d approaching maximum %d", in.WALSizeBytes, in.MaxWALSizeBytes))
		if status == Healthy {
			status = Degraded
		}
	}

	if in.CacheHitRate < 0.5 {
		reasons = append(reasons, fmt.Sprintf("cache hit rate %.2f below 0.50", in.CacheHitRate))
		if status == Healthy {
			status = Degraded
		}
	}

	if in.CheckpointBudget > 0 && in.TimeSinceCheckpoint > in.CheckpointBudget {
		reasons = append(reasons, fmt.Sprintf("%s since last checkpoint exceeds budget %s", in.TimeSinceCheckpoint, in.CheckpointBudget))
		if status == Healthy {
			status = Degraded
		}
	}

	return HealthStatus{Status: status, Reasons: reasons}
}

// latencyWindow borne la fenêtre des dernières latences de commit pour le
// calcul de p50/p95/p99 — une réservoir-sampling complète serait disproportionnée ici.
const latencyWindow = 4096

// Collector regroupe les compteurs de performance du moteur et leurs collecteurs
// Prometheus. Un Collector est sûr pour un usage concurrent.
type Collector struct {
	mu sync.Mutex

	cacheHits      uint64
	cacheMisses    uint64
	evictions      uint64
	walBytes       uint64
	commitLatency  []time.Duration
	commitCount    uint64
	lastCheckpoint time.Time

	promCacheHits   prometheus.Counter
	promCacheMiss   prometheus.Counter
	promEvictions   prometheus.Counter
	promWALBytes    prometheus.Counter
	promCommits     prometheus.Counter
	promCommitHisto prometheus.Histogram
}

// NewCollector crée un Collector et enregistre ses métriques dans reg si non nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lastCheckpoint: time.Time{},
		promCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sombra", Subsystem: "cache", Name: "hits_total", Help: "Page cache hits.",
		}),
		promCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sombra", Subsystem: "cache", Name: "misses_total", Help: "Page cache misses.",
		}),
		promEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sombra", Subsystem: "cache", Name: "evictions_total", Help: "Page cache evictions.",
		}),
		promWALBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sombra", Subsystem: "wal", Name: "bytes_written_total", Help: "Bytes appended to the WAL.",
		}),
		promCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sombra", Subsystem: "txn", Name: "commits_total", Help: "Committed write transactions.",
		}),
		promCommitHisto: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sombra", Subsystem: "txn", Name: "commit_latency_seconds", Help: "Write transaction commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(c.promCacheHits, c.promCacheMiss, c.promEvictions, c.promWALBytes, c.promCommits, c.promCommitHisto)
	}
	return c
}

func (c *Collector) ObserveCache(hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hits > c.cacheHits {
		c.promCacheHits.Add(float64(hits - c.cacheHits))
		c.cacheHits = hits
	}
	if misses > c.cacheMisses {
		c.promCacheMiss.Add(float64(misses - c.cacheMisses))
		c.cacheMisses = misses
	}
}

func (c *Collector) ObserveEviction() {
	c.mu.Lock()
	c.evictions++
	c.mu.Unlock()
	c.promEvictions.Inc()
}

func (c *Collector) ObserveWALBytes(n int) {
	c.mu.Lock()
	c.walBytes += uint64(n)
	c.mu.Unlock()
	c.promWALBytes.Add(float64(n))
}

func (c *Collector) ObserveCommit(d time.Duration) {
	c.mu.Lock()
	c.commitCount++
	c.commitLatency = append(c.commitLatency, d)
	if len(c.commitLatency) > latencyWindow {
		c.commitLatency = c.commitLatency[len(c.commitLatency)-latencyWindow:]
	}
	c.mu.Unlock()
	c.promCommits.Inc()
	c.promCommitHisto.Observe(d.Seconds())
}

func (c *Collector) ObserveCheckpoint(at time.Time) {
	c.mu.Lock()
	c.lastCheckpoint = at
	c.mu.Unlock()
}

// Snapshot est un relevé instantané et exportable des compteurs.
type Snapshot struct {
	CacheHits      uint64        `json:"cache_hits"`
	CacheMisses    uint64        `json:"cache_misses"`
	Evictions      uint64        `json:"evictions"`
	WALBytesWritten uint64       `json:"wal_bytes_written"`
	Commits        uint64        `json:"commits"`
	P50CommitLatency time.Duration `json:"p50_commit_latency_ns"`
	P95CommitLatency time.Duration `json:"p95_commit_latency_ns"`
	P99CommitLatency time.Duration `json:"p99_commit_latency_ns"`
	SinceLastCheckpoint time.Duration `json:"since_last_checkpoint_ns"`
}

// Snapshot calcule un relevé courant, y compris les percentiles de latence de commit.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		Evictions:       c.evictions,
		WALBytesWritten: c.walBytes,
		Commits:         c.commitCount,
	}
	if !c.lastCheckpoint.IsZero() {
		s.SinceLastCheckpoint = time.Since(c.lastCheckpoint)
	}
	if len(c.commitLatency) > 0 {
		sorted := append([]time.Duration(nil), c.commitLatency...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P50CommitLatency = percentile(sorted, 0.50)
		s.P95CommitLatency = percentile(sorted, 0.95)
		s.P99CommitLatency = percentile(sorted, 0.99)
	}
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// StatsDLines formate un relevé en lignes de métriques StatsD (une par compteur/gauge),
// au format `<nom>:<valeur>|<type>`.
func (s Snapshot) StatsDLines(prefix string) []string {
	if prefix == "" {
		prefix = "sombra"
	}
	return []string{
		fmt.Sprintf("%s.cache.hits:%d|c", prefix, s.CacheHits),
		fmt.Sprintf("%s.cache.misses:%d|c", prefix, s.CacheMisses),
		fmt.Sprintf("%s.cache.evictions:%d|c", prefix, s.Evictions),
		fmt.Sprintf("%s.wal.bytes_written:%d|c", prefix, s.WALBytesWritten),
		fmt.Sprintf("%s.txn.commits:%d|c", prefix, s.Commits),
		fmt.Sprintf("%s.txn.commit_latency_p50_ns:%d|g", prefix, s.P50CommitLatency.Nanoseconds()),
		fmt.Sprintf("%s.txn.commit_latency_p95_ns:%d|g", prefix, s.P95CommitLatency.Nanoseconds()),
		fmt.Sprintf("%s.txn.commit_latency_p99_ns:%d|g", prefix, s.P99CommitLatency.Nanoseconds()),
	}
}
