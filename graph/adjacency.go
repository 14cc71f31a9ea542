package graph

import (
	"github.com/maskdotdev/sombra/storage"
)

// AddNode alloue un nouvel id, encode et persiste le nœud, puis l'indexe. Doit courir
// à l'intérieur d'une transaction d'écriture déjà ouverte sur le pager.
func (s *Store) AddNode(labels []string, props []storage.Property) (storage.Node, error) {
	id, err := s.pager.AllocateNodeID()
	if err != nil {
		return storage.Node{}, err
	}
	n := storage.Node{ID: id, Labels: labels, Properties: props}
	payload, err := storage.EncodeNode(n)
	if err != nil {
		return storage.Node{}, err
	}
	ptr, err := s.insertPayload(storage.RecordNode, payload)
	if err != nil {
		return storage.Node{}, err
	}
	if err := s.Primary.Put(n.ID, ptr); err != nil {
		return storage.Node{}, err
	}
	s.Secondary.IndexNode(&n)
	indexed := n
	s.journal(func() { s.Secondary.UnindexNode(&indexed) })
	return n, nil
}

// GetNode relit et décode un nœud par id.
func (s *Store) GetNode(id uint64) (storage.Node, error) {
	ptr, err := s.Primary.Get(id)
	if err != nil {
		return storage.Node{}, err
	}
	return s.readNodeAt(ptr)
}

func (s *Store) readNodeAt(ptr storage.RecordPointer) (storage.Node, error) {
	p, err := s.pager.Fetch(ptr.PageID)
	if err != nil {
		return storage.Node{}, err
	}
	kind, payload, err := p.ReadRecord(ptr.Slot)
	if err != nil {
		return storage.Node{}, err
	}
	if kind != storage.RecordNode {
		return storage.Node{}, storage.NewError(storage.KindCorruption, "graph.read_node", nil)
	}
	return storage.DecodeNode(payload)
}

func (s *Store) readEdgeAt(ptr storage.RecordPointer) (storage.Edge, error) {
	p, err := s.pager.Fetch(ptr.PageID)
	if err != nil {
		return storage.Edge{}, err
	}
	kind, payload, err := p.ReadRecord(ptr.Slot)
	if err != nil {
		return storage.Edge{}, err
	}
	if kind != storage.RecordEdge {
		return storage.Edge{}, storage.NewError(storage.KindCorruption, "graph.read_edge", nil)
	}
	return storage.DecodeEdge(payload)
}

// putNode réécrit un nœud déjà existant à son emplacement courant (ou ailleurs si la
// taille a changé) et répercute le déplacement éventuel dans l'index primaire.
func (s *Store) putNode(n storage.Node) error {
	ptr, err := s.Primary.Get(n.ID)
	if err != nil {
		return err
	}
	payload, err := storage.EncodeNode(n)
	if err != nil {
		return err
	}
	newPtr, err := s.updatePayload(ptr, storage.RecordNode, payload)
	if err != nil {
		return err
	}
	if newPtr != ptr {
		return s.Primary.Put(n.ID, newPtr)
	}
	return nil
}

func (s *Store) putEdge(e storage.Edge) error {
	ptr, err := s.EdgeLoc.Get(e.ID)
	if err != nil {
		return err
	}
	payload, err := storage.EncodeEdge(e)
	if err != nil {
		return err
	}
	newPtr, err := s.updatePayload(ptr, storage.RecordEdge, payload)
	if err != nil {
		return err
	}
	if newPtr != ptr {
		return s.EdgeLoc.Put(e.ID, newPtr)
	}
	return nil
}

// UpdateNode remplace les labels et propriétés d'un nœud existant, en répercutant la
// désindexation/réindexation des index secondaires concernés.
func (s *Store) UpdateNode(id uint64, labels []string, props []storage.Property) (storage.Node, error) {
	before, err := s.GetNode(id)
	if err != nil {
		return storage.Node{}, err
	}
	after := before
	after.Labels = labels
	after.Properties = props
	if err := s.putNode(after); err != nil {
		return storage.Node{}, err
	}
	s.Secondary.ReindexNode(&before, &after)
	s.journal(func() { s.Secondary.ReindexNode(&after, &before) })
	return after, nil
}

// SetNodeProperty insère ou remplace une propriété unique par clé.
func (s *Store) SetNodeProperty(id uint64, key string, value storage.PropertyValue) (storage.Node, error) {
	before, err := s.GetNode(id)
	if err != nil {
		return storage.Node{}, err
	}
	after := before
	after.Properties = append([]storage.Property(nil), before.Properties...)
	replaced := false
	for i, p := range after.Properties {
		if p.Key == key {
			after.Properties[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		after.Properties = append(after.Properties, storage.Property{Key: key, Value: value})
	}
	if err := s.putNode(after); err != nil {
		return storage.Node{}, err
	}
	s.Secondary.ReindexNode(&before, &after)
	s.journal(func() { s.Secondary.ReindexNode(&after, &before) })
	return after, nil
}

// RemoveNodeProperty retire une propriété par clé ; no-op si absente.
func (s *Store) RemoveNodeProperty(id uint64, key string) (storage.Node, error) {
	before, err := s.GetNode(id)
	if err != nil {
		return storage.Node{}, err
	}
	after := before
	props := make([]storage.Property, 0, len(before.Properties))
	for _, p := range before.Properties {
		if p.Key != key {
			props = append(props, p)
		}
	}
	after.Properties = props
	if err := s.putNode(after); err != nil {
		return storage.Node{}, err
	}
	s.Secondary.ReindexNode(&before, &after)
	s.journal(func() { s.Secondary.ReindexNode(&after, &before) })
	return after, nil
}

// DeleteNode supprime un nœud. En mode Restrict, échoue si des arêtes incidentes
// existent ; en mode Cascade, déconnecte et supprime d'abord chaque arête incidente.
func (s *Store) DeleteNode(id uint64, mode DeleteMode) error {
	n, err := s.GetNode(id)
	if err != nil {
		return err
	}

	hasIncident := n.FirstOutgoing != 0 || n.FirstIncoming != 0
	if hasIncident && mode == DeleteRestrict {
		return storage.NewError(storage.KindInvalid, "graph.delete_node", errIncidentEdges)
	}
	if hasIncident && mode == DeleteCascade {
		for _, outgoing := range []bool{true, false} {
			// relire le nœud avant chaque chaîne : une boucle sur soi-même supprimée
			// pendant la chaîne sortante a déjà quitté la chaîne entrante.
			cur, err := s.GetNode(id)
			if err != nil {
				return err
			}
			head := cur.FirstIncoming
			if outgoing {
				head = cur.FirstOutgoing
			}
			for head != 0 {
				e, err := s.getEdgeByID(head)
				if err != nil {
					return err
				}
				// le suivant est lu dans la chaîne parcourue, avant la suppression.
				next := e.NextIncoming
				if outgoing {
					next = e.NextOutgoing
				}
				if err := s.DeleteEdge(e.ID); err != nil {
					return err
				}
				head = next
			}
		}
		// relire le nœud : ses pointeurs de tête ont été mis à jour par DeleteEdge.
		n, err = s.GetNode(id)
		if err != nil {
			return err
		}
	}

	ptr, err := s.Primary.Get(id)
	if err != nil {
		return err
	}
	if err := s.deletePayload(ptr); err != nil {
		return err
	}
	if err := s.Primary.Delete(id); err != nil {
		return err
	}
	s.Secondary.UnindexNode(&n)
	unindexed := n
	s.journal(func() { s.Secondary.IndexNode(&unindexed) })
	return nil
}

func (s *Store) getEdgeByID(id uint64) (storage.Edge, error) {
	ptr, err := s.EdgeLoc.Get(id)
	if err != nil {
		return storage.Edge{}, err
	}
	return s.readEdgeAt(ptr)
}

// GetEdge relit et décode une arête par id.
func (s *Store) GetEdge(id uint64) (storage.Edge, error) {
	return s.getEdgeByID(id)
}

// AddEdge applique le contrat d'insertion d'arête de §4.7 : allocation de l'id, chaînage
// dans les listes sortante/entrante des extrémités, persistance des trois
// enregistrements touchés, puis mise à jour de l'index d'emplacement et de l'index de
// type d'arête.
func (s *Store) AddEdge(source, target uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	src, err := s.GetNode(source)
	if err != nil {
		return storage.Edge{}, err
	}
	dst, err := s.GetNode(target)
	if err != nil {
		return storage.Edge{}, err
	}

	id, err := s.pager.AllocateEdgeID()
	if err != nil {
		return storage.Edge{}, err
	}
	e := storage.Edge{
		ID:           id,
		Source:       source,
		Target:       target,
		TypeName:     typeName,
		Properties:   props,
		NextOutgoing: src.FirstOutgoing,
		NextIncoming: dst.FirstIncoming,
	}
	src.FirstOutgoing = id
	if source == target {
		dst = src
	}
	dst.FirstIncoming = id

	payload, err := storage.EncodeEdge(e)
	if err != nil {
		return storage.Edge{}, err
	}
	ptr, err := s.insertPayload(storage.RecordEdge, payload)
	if err != nil {
		return storage.Edge{}, err
	}
	if err := s.EdgeLoc.Put(e.ID, ptr); err != nil {
		return storage.Edge{}, err
	}

	if err := s.putNode(src); err != nil {
		return storage.Edge{}, err
	}
	if source != target {
		if err := s.putNode(dst); err != nil {
			return storage.Edge{}, err
		}
	}

	s.Secondary.EdgeTypes.Insert(e.TypeName, e.ID)
	typeName, edgeID := e.TypeName, e.ID
	s.journal(func() { s.Secondary.EdgeTypes.Remove(typeName, edgeID) })
	return e, nil
}

// UpdateEdge remplace le type et les propriétés d'une arête existante ; source, cible
// et chaînage sont immuables après création (seule delete_edge + add_edge déplace une
// arête entre nœuds).
func (s *Store) UpdateEdge(id uint64, typeName string, props []storage.Property) (storage.Edge, error) {
	before, err := s.getEdgeByID(id)
	if err != nil {
		return storage.Edge{}, err
	}
	after := before
	after.TypeName = typeName
	after.Properties = props
	if err := s.putEdge(after); err != nil {
		return storage.Edge{}, err
	}
	if before.TypeName != after.TypeName {
		s.Secondary.EdgeTypes.Remove(before.TypeName, id)
		s.Secondary.EdgeTypes.Insert(after.TypeName, id)
		beforeType, afterType := before.TypeName, after.TypeName
		s.journal(func() {
			s.Secondary.EdgeTypes.Remove(afterType, id)
			s.Secondary.EdgeTypes.Insert(beforeType, id)
		})
	}
	return after, nil
}

// DeleteEdge déchaîne l'arête des listes sortante et entrante de ses extrémités en
// O(longueur de chaîne), libère son slot et met à jour les index.
func (s *Store) DeleteEdge(id uint64) error {
	e, err := s.getEdgeByID(id)
	if err != nil {
		return err
	}
	src, err := s.GetNode(e.Source)
	if err != nil {
		return err
	}
	if err := s.unlinkOutgoing(&src, id, e.NextOutgoing); err != nil {
		return err
	}

	dst := src
	if e.Target != e.Source {
		dst, err = s.GetNode(e.Target)
		if err != nil {
			return err
		}
	}
	if err := s.unlinkIncoming(&dst, id, e.NextIncoming); err != nil {
		return err
	}

	ptr, err := s.EdgeLoc.Get(id)
	if err != nil {
		return err
	}
	if err := s.deletePayload(ptr); err != nil {
		return err
	}
	if err := s.EdgeLoc.Delete(id); err != nil {
		return err
	}
	s.Secondary.EdgeTypes.Remove(e.TypeName, id)
	typeName, edgeID := e.TypeName, id
	s.journal(func() { s.Secondary.EdgeTypes.Insert(typeName, edgeID) })
	return nil
}

// unlinkOutgoing retire edgeID de la chaîne sortante de node, en réécrivant le pointeur
// de tête ou le next_outgoing du prédécesseur.
func (s *Store) unlinkOutgoing(node *storage.Node, edgeID, next uint64) error {
	if node.FirstOutgoing == edgeID {
		node.FirstOutgoing = next
		return s.putNode(*node)
	}
	cur := node.FirstOutgoing
	for cur != 0 {
		e, err := s.getEdgeByID(cur)
		if err != nil {
			return err
		}
		if e.NextOutgoing == edgeID {
			e.NextOutgoing = next
			return s.putEdge(e)
		}
		cur = e.NextOutgoing
	}
	return storage.NewError(storage.KindCorruption, "graph.unlink_outgoing", errChainBroken)
}

// unlinkIncoming retire edgeID de la chaîne entrante de node.
func (s *Store) unlinkIncoming(node *storage.Node, edgeID, next uint64) error {
	if node.FirstIncoming == edgeID {
		node.FirstIncoming = next
		return s.putNode(*node)
	}
	cur := node.FirstIncoming
	for cur != 0 {
		e, err := s.getEdgeByID(cur)
		if err != nil {
			return err
		}
		if e.NextIncoming == edgeID {
			e.NextIncoming = next
			return s.putEdge(e)
		}
		cur = e.NextIncoming
	}
	return storage.NewError(storage.KindCorruption, "graph.unlink_incoming", errChainBroken)
}

// GetOutgoingEdges parcourt la chaîne sortante d'un nœud et retourne les arêtes dans
// l'ordre du chaînage (plus récemment insérée en tête).
func (s *Store) GetOutgoingEdges(nodeID uint64) ([]storage.Edge, error) {
	n, err := s.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	return s.walkChain(n.FirstOutgoing, func(e storage.Edge) uint64 { return e.NextOutgoing })
}

// GetIncomingEdges parcourt la chaîne entrante d'un nœud.
func (s *Store) GetIncomingEdges(nodeID uint64) ([]storage.Edge, error) {
	n, err := s.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	return s.walkChain(n.FirstIncoming, func(e storage.Edge) uint64 { return e.NextIncoming })
}

func (s *Store) walkChain(head uint64, next func(storage.Edge) uint64) ([]storage.Edge, error) {
	var out []storage.Edge
	cur := head
	for cur != 0 {
		e, err := s.getEdgeByID(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		cur = next(e)
	}
	return out, nil
}

// CountOutgoingEdges et CountIncomingEdges évitent de matérialiser la chaîne complète.
func (s *Store) CountOutgoingEdges(nodeID uint64) (int, error) {
	n, err := s.GetNode(nodeID)
	if err != nil {
		return 0, err
	}
	return s.countChain(n.FirstOutgoing, func(e storage.Edge) uint64 { return e.NextOutgoing })
}

func (s *Store) CountIncomingEdges(nodeID uint64) (int, error) {
	n, err := s.GetNode(nodeID)
	if err != nil {
		return 0, err
	}
	return s.countChain(n.FirstIncoming, func(e storage.Edge) uint64 { return e.NextIncoming })
}

func (s *Store) countChain(head uint64, next func(storage.Edge) uint64) (int, error) {
	count := 0
	cur := head
	for cur != 0 {
		e, err := s.getEdgeByID(cur)
		if err != nil {
			return 0, err
		}
		count++
		cur = next(e)
	}
	return count, nil
}

var (
	errIncidentEdges = simpleErr("node has incident edges: use Cascade or remove them first")
	errChainBroken   = simpleErr("adjacency chain does not reference the edge being unlinked")
)
