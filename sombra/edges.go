package sombra

import (
	"github.com/maskdotdev/sombra/storage"
	"github.com/maskdotdev/sombra/txn"
)

// AddEdge applique le contrat d'insertion d'arête de §4.7 dans sa propre transaction.
func (db *DB) AddEdge(source, target uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	var e storage.Edge
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		e, ierr = w.Store().AddEdge(source, target, typeName, props)
		return ierr
	})
	return e, err
}

// GetEdge relit une arête par id.
func (db *DB) GetEdge(id uint64) (storage.Edge, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return storage.Edge{}, err
	}
	defer read.End()
	return read.Store().GetEdge(id)
}

// UpdateEdge remplace le type et les propriétés d'une arête existante.
func (db *DB) UpdateEdge(id uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	var e storage.Edge
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		e, ierr = w.Store().UpdateEdge(id, typeName, props)
		return ierr
	})
	return e, err
}

// DeleteEdge déchaîne et supprime une arête.
func (db *DB) DeleteEdge(id uint64) error {
	return db.withWrite(func(w *txn.WriteTxn) error {
		return w.Store().DeleteEdge(id)
	})
}

// GetOutgoingEdges et GetIncomingEdges retournent les arêtes incidentes à un nœud dans
// l'ordre du chaînage.
func (db *DB) GetOutgoingEdges(nodeID uint64) ([]storage.Edge, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return nil, err
	}
	defer read.End()
	return read.Store().GetOutgoingEdges(nodeID)
}

func (db *DB) GetIncomingEdges(nodeID uint64) ([]storage.Edge, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return nil, err
	}
	defer read.End()
	return read.Store().GetIncomingEdges(nodeID)
}

// CountOutgoingEdges et CountIncomingEdges comptent sans matérialiser la chaîne.
func (db *DB) CountOutgoingEdges(nodeID uint64) (int, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return 0, err
	}
	defer read.End()
	return read.Store().CountOutgoingEdges(nodeID)
}

func (db *DB) CountIncomingEdges(nodeID uint64) (int, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return 0, err
	}
	defer read.End()
	return read.Store().CountIncomingEdges(nodeID)
}

// GetEdgesByType retourne les ids d'arêtes du type donné, en ordre croissant.
func (db *DB) GetEdgesByType(typeName string) []uint64 {
	return db.store.Secondary.EdgeTypes.Scan(typeName)
}

// CountEdgesByType retourne le nombre d'arêtes du type donné.
func (db *DB) CountEdgesByType(typeName string) int {
	return db.store.Secondary.EdgeTypes.Count(typeName)
}
