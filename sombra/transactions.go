package sombra

import (
	"github.com/maskdotdev/sombra/graph"
	"github.com/maskdotdev/sombra/storage"
	"github.com/maskdotdev/sombra/txn"
)

// Transaction est une transaction d'écriture explicite ouverte par BeginTransaction : les
// mutations s'accumulent sous un seul verrou exclusif jusqu'à Commit ou Rollback (§4.10
// "BeginTransaction → write-txn surface + commit/rollback"). Elle n'est pas sûre pour un
// usage concurrent — une seule goroutine doit la piloter, comme pour WriteTxn lui-même.
type Transaction struct {
	w *txn.WriteTxn
}

// BeginTransaction ouvre une transaction d'écriture explicite. Contrairement aux méthodes
// de commodité de DB (AddNode, AddEdge, ...), qui committent chacune leur propre
// transaction, Transaction laisse l'appelant grouper plusieurs opérations avant de
// valider ou d'annuler l'ensemble.
func (db *DB) BeginTransaction() (*Transaction, error) {
	w, err := db.txm.BeginWrite()
	if err != nil {
		return nil, err
	}
	return &Transaction{w: w}, nil
}

// Commit valide la transaction et retourne le LSN assigné.
func (t *Transaction) Commit() (uint64, error) {
	return t.w.Commit()
}

// Rollback annule la transaction — idempotent, sûr à appeler via defer après un Commit
// réussi.
func (t *Transaction) Rollback() error {
	return t.w.Rollback()
}

// AddNode crée un nœud au sein de la transaction.
func (t *Transaction) AddNode(labels []string, props []storage.Property) (storage.Node, error) {
	return t.w.Store().AddNode(labels, props)
}

// GetNode relit un nœud, y compris les mutations déjà appliquées plus tôt dans cette
// même transaction.
func (t *Transaction) GetNode(id uint64) (storage.Node, error) {
	return t.w.Store().GetNode(id)
}

// UpdateNode remplace labels et propriétés d'un nœud existant.
func (t *Transaction) UpdateNode(id uint64, labels []string, props []storage.Property) (storage.Node, error) {
	return t.w.Store().UpdateNode(id, labels, props)
}

// SetNodeProperty insère ou remplace une propriété unique.
func (t *Transaction) SetNodeProperty(id uint64, key string, value storage.PropertyValue) (storage.Node, error) {
	return t.w.Store().SetNodeProperty(id, key, value)
}

// RemoveNodeProperty retire une propriété par clé.
func (t *Transaction) RemoveNodeProperty(id uint64, key string) (storage.Node, error) {
	return t.w.Store().RemoveNodeProperty(id, key)
}

// DeleteNode supprime un nœud selon le mode Restrict ou Cascade (§4.7).
func (t *Transaction) DeleteNode(id uint64, mode graph.DeleteMode) error {
	return t.w.Store().DeleteNode(id, mode)
}

// AddEdge applique le contrat d'insertion d'arête de §4.7.
func (t *Transaction) AddEdge(source, target uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	return t.w.Store().AddEdge(source, target, typeName, props)
}

// GetEdge relit une arête par id.
func (t *Transaction) GetEdge(id uint64) (storage.Edge, error) {
	return t.w.Store().GetEdge(id)
}

// UpdateEdge remplace le type et les propriétés d'une arête existante.
func (t *Transaction) UpdateEdge(id uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	return t.w.Store().UpdateEdge(id, typeName, props)
}

// DeleteEdge déchaîne et supprime une arête.
func (t *Transaction) DeleteEdge(id uint64) error {
	return t.w.Store().DeleteEdge(id)
}

// GetOutgoingEdges et GetIncomingEdges retournent les arêtes incidentes à un nœud, dans
// l'état courant de la transaction.
func (t *Transaction) GetOutgoingEdges(nodeID uint64) ([]storage.Edge, error) {
	return t.w.Store().GetOutgoingEdges(nodeID)
}

func (t *Transaction) GetIncomingEdges(nodeID uint64) ([]storage.Edge, error) {
	return t.w.Store().GetIncomingEdges(nodeID)
}
