package sombra

import (
	"time"

	"github.com/maskdotdev/sombra/txn"
)

// withWrite exécute fn dans une transaction d'écriture et enregistre sa latence de
// commit dans les compteurs de performance (§4.10 "p50/p95/p99 commit latency").
func (db *DB) withWrite(fn func(*txn.WriteTxn) error) error {
	start := time.Now()
	_, err := db.txm.WithWrite(fn)
	db.metrics.ObserveCommit(time.Since(start))
	return err
}
