// Package sombra fournit l'interface utilisateur de Sombra : c'est le point d'entrée
// principal pour ouvrir une base de graphe et manipuler nœuds, arêtes et index (§4.10).
package sombra

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/sombra/concurrency"
	"github.com/maskdotdev/sombra/graph"
	"github.com/maskdotdev/sombra/metrics"
	"github.com/maskdotdev/sombra/storage"
	"github.com/maskdotdev/sombra/txn"
)

// DB représente une instance de base de données Sombra ouverte.
type DB struct {
	pager    *storage.Pager
	store    *graph.Store
	lock     *concurrency.DatabaseLock
	txm      *txn.Manager
	metrics  *metrics.Collector
	registry *prometheus.Registry
	log      zerolog.Logger
	config   storage.Config
}

// Open ouvre ou crée une base de données Sombra sur le fichier donné avec la
// configuration par défaut.
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, storage.DefaultConfig())
}

// OpenWithConfig ouvre ou crée une base avec une configuration explicite (§6).
func OpenWithConfig(path string, cfg storage.Config) (*DB, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("component", "sombra").Logger()
	pager, err := storage.OpenPager(path, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("sombra: %w", err)
	}
	return newDB(pager, cfg, log)
}

// OpenReadOnly ouvre le fichier d'une base existante en lecture seule, sans verrou de
// fichier ni WAL. Aucune garde ne refuse les transactions d'écriture : elles aboutissent
// en mémoire sans être journalisées, et leur report dans le fichier échoue avec Io au
// checkpoint.
func OpenReadOnly(path string) (*DB, error) {
	cfg := storage.DefaultConfig()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("component", "sombra").Logger()
	pager, err := storage.OpenPagerReadOnly(path, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("sombra: %w", err)
	}
	return newDB(pager, cfg, log)
}

// OpenMemory crée une base entièrement en mémoire, sans fichier ni WAL — utile pour les
// tests et les scénarios embarqués éphémères.
func OpenMemory() (*DB, error) {
	cfg := storage.DefaultConfig()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("component", "sombra").Logger()
	pager, err := storage.OpenPagerMemory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("sombra: %w", err)
	}
	return newDB(pager, cfg, log)
}

func newDB(pager *storage.Pager, cfg storage.Config, log zerolog.Logger) (*DB, error) {
	store, err := graph.OpenStore(pager, log)
	if err != nil {
		return nil, err
	}
	lock := concurrency.NewDatabaseLock()
	txm := txn.NewManager(pager, store, lock, cfg.TransactionTimeout, log)
	registry := prometheus.NewRegistry()
	return &DB{
		pager:    pager,
		store:    store,
		lock:     lock,
		txm:      txm,
		metrics:  metrics.NewCollector(registry),
		registry: registry,
		log:      log,
		config:   cfg,
	}, nil
}

// PrometheusRegistry retourne le registre Prometheus propre à cette instance, à monter
// sur un handler HTTP par l'appelant (ex: promhttp.HandlerFor).
func (db *DB) PrometheusRegistry() *prometheus.Registry {
	return db.registry
}

// Close checkpointe, flush et libère les ressources.
func (db *DB) Close() error {
	if err := db.Checkpoint(); err != nil {
		db.log.Warn().Err(err).Msg("checkpoint à la fermeture échoué")
	}
	return db.pager.Close()
}

// Checkpoint force un checkpoint explicite (§4.5), sous le rôle exclusif du
// checkpointer — bloque les nouveaux écrivains le temps de l'opération.
func (db *DB) Checkpoint() error {
	release, err := db.lock.AcquireWrite()
	if err != nil {
		return err
	}
	defer release()
	if err := db.pager.Checkpoint(db.store.Serializer()); err != nil {
		return err
	}
	db.metrics.ObserveCheckpoint(time.Now())
	return nil
}

// Flush est un alias explicite de Checkpoint pour l'API externe (§4.10 "close() flushes,
// checkpoints").
func (db *DB) Flush() error { return db.Checkpoint() }

// CreatePropertyIndex crée explicitement un index de propriété sur (label, clé) — les
// valeurs déjà présentes ne sont pas rétroactivement indexées ici ; l'appelant doit
// reconstruire via RebuildPropertyIndex s'il crée l'index après avoir inséré des nœuds.
func (db *DB) CreatePropertyIndex(label, key string) {
	db.store.Secondary.CreatePropertyIndex(label, key)
}

// RebuildPropertyIndex réindexe tous les nœuds existants dans un index de propriété
// nouvellement créé.
func (db *DB) RebuildPropertyIndex(label, key string) error {
	pi, ok := db.store.Secondary.PropertyIndexFor(label, key)
	if !ok {
		return storage.NewError(storage.KindNotFound, "sombra.rebuild_property_index", nil)
	}
	read, err := db.txm.BeginRead()
	if err != nil {
		return err
	}
	defer read.End()
	return db.store.ScanNodes(func(n *storage.Node) error {
		hasLabel := false
		for _, l := range n.Labels {
			if l == label {
				hasLabel = true
				break
			}
		}
		if !hasLabel {
			return nil
		}
		for _, prop := range n.Properties {
			if prop.Key == key {
				pi.Insert(prop.Value, n.ID)
			}
		}
		return nil
	})
}

// HasPropertyIndex reporte si un index de propriété a été créé pour (label, key).
func (db *DB) HasPropertyIndex(label, key string) bool {
	return db.store.Secondary.HasPropertyIndex(label, key)
}

// MetricsSnapshot relève les compteurs de performance courants (§4.10).
func (db *DB) MetricsSnapshot() metrics.Snapshot {
	hits, misses, _, _ := db.pager.CacheStats()
	db.metrics.ObserveCache(hits, misses)
	return db.metrics.Snapshot()
}

// Health dérive un HealthStatus des signaux internes du moteur (§4.10).
func (db *DB) Health() metrics.HealthStatus {
	walSize, _ := db.pager.WALSize()
	snap := db.MetricsSnapshot()
	return metrics.Classify(metrics.HealthInputs{
		CacheHitRate:        db.pager.CacheHitRate(),
		WALSizeBytes:        walSize,
		MaxWALSizeBytes:     int64(db.config.MaxWALSizeMB) * 1024 * 1024,
		TimeSinceCheckpoint: snap.SinceLastCheckpoint,
		CheckpointBudget:    db.config.AutoCheckpointInterval * 4,
	})
}
