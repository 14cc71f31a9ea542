package sombra

import (
	"github.com/maskdotdev/sombra/graph"
	"github.com/maskdotdev/sombra/storage"
	"github.com/maskdotdev/sombra/txn"
)

// AddNode crée un nœud avec les étiquettes et propriétés données, dans sa propre
// transaction d'écriture.
func (db *DB) AddNode(labels []string, props []storage.Property) (storage.Node, error) {
	var n storage.Node
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		n, ierr = w.Store().AddNode(labels, props)
		return ierr
	})
	return n, err
}

// GetNode relit un nœud par id sous une transaction de lecture.
func (db *DB) GetNode(id uint64) (storage.Node, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return storage.Node{}, err
	}
	defer read.End()
	return read.Store().GetNode(id)
}

// UpdateNode remplace labels et propriétés d'un nœud existant.
func (db *DB) UpdateNode(id uint64, labels []string, props []storage.Property) (storage.Node, error) {
	var n storage.Node
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		n, ierr = w.Store().UpdateNode(id, labels, props)
		return ierr
	})
	return n, err
}

// SetNodeProperty insère ou remplace une propriété unique.
func (db *DB) SetNodeProperty(id uint64, key string, value storage.PropertyValue) (storage.Node, error) {
	var n storage.Node
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		n, ierr = w.Store().SetNodeProperty(id, key, value)
		return ierr
	})
	return n, err
}

// RemoveNodeProperty retire une propriété par clé.
func (db *DB) RemoveNodeProperty(id uint64, key string) (storage.Node, error) {
	var n storage.Node
	err := db.withWrite(func(w *txn.WriteTxn) error {
		var ierr error
		n, ierr = w.Store().RemoveNodeProperty(id, key)
		return ierr
	})
	return n, err
}

// DeleteNode supprime un nœud selon le mode Restrict ou Cascade (§4.7).
func (db *DB) DeleteNode(id uint64, mode graph.DeleteMode) error {
	err := db.withWrite(func(w *txn.WriteTxn) error {
		return w.Store().DeleteNode(id, mode)
	})
	return err
}

// FindNodeByProperty retourne les ids de nœuds portant exactement (label, key, value)
// dans l'index de propriété correspondant — échoue avec NotFound si l'index n'existe
// pas (il doit être créé explicitement via CreatePropertyIndex).
func (db *DB) FindNodeByProperty(label, key string, value storage.PropertyValue) ([]uint64, error) {
	pi, ok := db.store.Secondary.PropertyIndexFor(label, key)
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "sombra.find_node_by_property", nil)
	}
	return pi.Scan(value), nil
}

// FindNodesByPropertyRange retourne les ids de nœuds dont la valeur indexée se situe
// dans [lo, hi] pour un index de propriété numérique.
func (db *DB) FindNodesByPropertyRange(label, key string, lo, hi storage.PropertyValue) ([]uint64, error) {
	pi, ok := db.store.Secondary.PropertyIndexFor(label, key)
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "sombra.find_nodes_by_property_range", nil)
	}
	return pi.Range(lo, hi), nil
}

// GetNodesByLabel retourne les ids de nœuds portant l'étiquette donnée, en ordre croissant.
func (db *DB) GetNodesByLabel(label string) []uint64 {
	return db.store.Secondary.Labels.Scan(label)
}

// CountNodesByLabel retourne le nombre de nœuds portant l'étiquette donnée.
func (db *DB) CountNodesByLabel(label string) int {
	return db.store.Secondary.Labels.Count(label)
}

// GetNodesInRange, GetNodesFrom, GetNodesTo, GetFirstNode, GetLastNode,
// GetFirstNNodes, GetLastNNodes, GetAllNodeIDsOrdered exposent l'itération ordonnée de
// l'index primaire (§4.6).

func (db *DB) GetNodesInRange(lo, hi uint64) ([]uint64, error) { return db.store.Primary.Range(lo, hi) }
func (db *DB) GetNodesFrom(lo uint64) ([]uint64, error)        { return db.store.Primary.From(lo) }
func (db *DB) GetNodesTo(hi uint64) ([]uint64, error)          { return db.store.Primary.To(hi) }

func (db *DB) GetFirstNode() (uint64, bool, error) { return db.store.Primary.First() }
func (db *DB) GetLastNode() (uint64, bool, error)  { return db.store.Primary.Last() }

func (db *DB) GetFirstNNodes(n int) ([]uint64, error) { return db.store.Primary.FirstN(n) }
func (db *DB) GetLastNNodes(n int) ([]uint64, error)  { return db.store.Primary.LastN(n) }

func (db *DB) GetAllNodeIDsOrdered() ([]uint64, error) { return db.store.Primary.AllOrdered() }
