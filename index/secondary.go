package index

import (
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/sombra/storage"
)

// orderedSet maintient un ensemble ordonné d'identifiants (NodeId ou EdgeId) au moyen
// d'un arbre B en mémoire (§4.8 : "in-memory representation is a mapping ... to ordered
// set"). degree 32 s'est avéré un bon compromis taille/profondeur pour google/btree.
type orderedSet struct {
	tree *btree.BTreeG[uint64]
}

func newOrderedSet() *orderedSet {
	return &orderedSet{tree: btree.NewG(32, func(a, b uint64) bool { return a < b })}
}

func (s *orderedSet) insert(id uint64) { s.tree.ReplaceOrInsert(id) }
func (s *orderedSet) remove(id uint64) { s.tree.Delete(id) }
func (s *orderedSet) count() int       { return s.tree.Len() }

func (s *orderedSet) ascend() []uint64 {
	out := make([]uint64, 0, s.tree.Len())
	s.tree.Ascend(func(id uint64) bool {
		out = append(out, id)
		return true
	})
	return out
}

// LabelIndex associe chaque étiquette à l'ensemble ordonné des NodeIds qui la portent.
type LabelIndex struct {
	mu  sync.RWMutex
	log zerolog.Logger
	sets map[string]*orderedSet
}

func NewLabelIndex(log zerolog.Logger) *LabelIndex {
	return &LabelIndex{log: log, sets: make(map[string]*orderedSet)}
}

func (li *LabelIndex) Insert(label string, id uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()
	s, ok := li.sets[label]
	if !ok {
		s = newOrderedSet()
		li.sets[label] = s
	}
	s.insert(id)
}

func (li *LabelIndex) Remove(label string, id uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()
	if s, ok := li.sets[label]; ok {
		s.remove(id)
	}
}

func (li *LabelIndex) Count(label string) int {
	li.mu.RLock()
	defer li.mu.RUnlock()
	if s, ok := li.sets[label]; ok {
		return s.count()
	}
	return 0
}

// Scan retourne les NodeIds portant cette étiquette, en ordre croissant.
func (li *LabelIndex) Scan(label string) []uint64 {
	li.mu.RLock()
	defer li.mu.RUnlock()
	if s, ok := li.sets[label]; ok {
		return s.ascend()
	}
	return nil
}

// EdgeTypeIndex associe chaque type d'arête à l'ensemble ordonné des EdgeIds
// correspondants. Reconstruit à chaque ouverture (§4.8), jamais sérialisé sur disque.
type EdgeTypeIndex struct {
	mu   sync.RWMutex
	sets map[string]*orderedSet
}

func NewEdgeTypeIndex() *EdgeTypeIndex {
	return &EdgeTypeIndex{sets: make(map[string]*orderedSet)}
}

func (ei *EdgeTypeIndex) Insert(typeName string, id uint64) {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	s, ok := ei.sets[typeName]
	if !ok {
		s = newOrderedSet()
		ei.sets[typeName] = s
	}
	s.insert(id)
}

func (ei *EdgeTypeIndex) Remove(typeName string, id uint64) {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	if s, ok := ei.sets[typeName]; ok {
		s.remove(id)
	}
}

func (ei *EdgeTypeIndex) Count(typeName string) int {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	if s, ok := ei.sets[typeName]; ok {
		return s.count()
	}
	return 0
}

func (ei *EdgeTypeIndex) Scan(typeName string) []uint64 {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	if s, ok := ei.sets[typeName]; ok {
		return s.ascend()
	}
	return nil
}

// PropertyKey identifie une famille d'index (label, clé de propriété).
type PropertyKey struct {
	Label string
	Key   string
}

// comparePropertyValue ordonne les PropertyValue : d'abord par tag, puis par valeur.
// Les tags distincts ne sont jamais comparés sémantiquement (§4.8 ne définit un ordre
// total que pour un même type), mais un ordre total stable reste nécessaire pour les
// stocker dans un seul arbre par (label, clé).
func comparePropertyValue(a, b storage.PropertyValue) bool {
	if a.Tag != b.Tag {
		return a.Tag < b.Tag
	}
	switch a.Tag {
	case storage.TagBool:
		return !a.Bool && b.Bool
	case storage.TagInt64:
		return a.Int64 < b.Int64
	case storage.TagFloat64:
		return a.Float < b.Float
	case storage.TagString:
		return a.String < b.String
	case storage.TagBytes:
		return string(a.Bytes) < string(b.Bytes)
	default:
		return false
	}
}

type propertyEntry struct {
	value storage.PropertyValue
	ids   *orderedSet
}

// PropertyIndex implémente un index (label, clé) -> valeur -> ensemble ordonné de
// NodeIds. Créé explicitement par l'appelant (§4.8) ; supporte l'égalité ponctuelle et
// les balayages par intervalle sur les clés numériques.
type PropertyIndex struct {
	mu   sync.RWMutex
	log  zerolog.Logger
	tree *btree.BTreeG[propertyEntry]
}

func NewPropertyIndex(log zerolog.Logger) *PropertyIndex {
	return &PropertyIndex{
		log: log,
		tree: btree.NewG(32, func(a, b propertyEntry) bool {
			return comparePropertyValue(a.value, b.value)
		}),
	}
}

func (pi *PropertyIndex) Insert(value storage.PropertyValue, id uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	probe := propertyEntry{value: value}
	if existing, ok := pi.tree.Get(probe); ok {
		existing.ids.insert(id)
		return
	}
	s := newOrderedSet()
	s.insert(id)
	pi.tree.ReplaceOrInsert(propertyEntry{value: value, ids: s})
}

func (pi *PropertyIndex) Remove(value storage.PropertyValue, id uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	probe := propertyEntry{value: value}
	if existing, ok := pi.tree.Get(probe); ok {
		existing.ids.remove(id)
		if existing.ids.count() == 0 {
			pi.tree.Delete(probe)
		}
	}
}

func (pi *PropertyIndex) Count(value storage.PropertyValue) int {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	if existing, ok := pi.tree.Get(propertyEntry{value: value}); ok {
		return existing.ids.count()
	}
	return 0
}

// Scan retourne les NodeIds portant exactement cette valeur, en ordre croissant.
func (pi *PropertyIndex) Scan(value storage.PropertyValue) []uint64 {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	if existing, ok := pi.tree.Get(propertyEntry{value: value}); ok {
		return existing.ids.ascend()
	}
	return nil
}

// Range retourne les NodeIds dont la valeur se situe dans [lo, hi] (bornes incluses),
// triés d'abord par valeur puis par id au sein de chaque valeur égale.
func (pi *PropertyIndex) Range(lo, hi storage.PropertyValue) []uint64 {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	var out []uint64
	pi.tree.AscendRange(propertyEntry{value: lo}, propertyEntry{value: hi}, func(e propertyEntry) bool {
		out = append(out, e.ids.ascend()...)
		return true
	})
	// AscendRange est exclusif sur la borne haute ; on rattrape l'égalité explicitement.
	if existing, ok := pi.tree.Get(propertyEntry{value: hi}); ok {
		ids := existing.ids.ascend()
		if len(ids) > 0 && (len(out) == 0 || !containsTail(out, ids)) {
			out = append(out, ids...)
		}
	}
	return out
}

func containsTail(haystack, tail []uint64) bool {
	if len(tail) > len(haystack) {
		return false
	}
	start := len(haystack) - len(tail)
	for i, v := range tail {
		if haystack[start+i] != v {
			return false
		}
	}
	return true
}

// SecondaryIndexes regroupe les trois familles d'index dérivés gérées pour une base.
// Les index de propriété sont créés explicitement (CreatePropertyIndex), le reste
// existe toujours.
type SecondaryIndexes struct {
	mu         sync.RWMutex
	log        zerolog.Logger
	Labels     *LabelIndex
	EdgeTypes  *EdgeTypeIndex
	Properties map[PropertyKey]*PropertyIndex
}

func NewSecondaryIndexes(log zerolog.Logger) *SecondaryIndexes {
	return &SecondaryIndexes{
		log:        log,
		Labels:     NewLabelIndex(log),
		EdgeTypes:  NewEdgeTypeIndex(),
		Properties: make(map[PropertyKey]*PropertyIndex),
	}
}

// CreatePropertyIndex enregistre un nouvel index (label, clé) ; idempotent.
func (si *SecondaryIndexes) CreatePropertyIndex(label, key string) *PropertyIndex {
	si.mu.Lock()
	defer si.mu.Unlock()
	pk := PropertyKey{Label: label, Key: key}
	if pi, ok := si.Properties[pk]; ok {
		return pi
	}
	pi := NewPropertyIndex(si.log)
	si.Properties[pk] = pi
	return pi
}

func (si *SecondaryIndexes) PropertyIndexFor(label, key string) (*PropertyIndex, bool) {
	si.mu.RLock()
	defer si.mu.RUnlock()
	pi, ok := si.Properties[PropertyKey{Label: label, Key: key}]
	return pi, ok
}

// HasPropertyIndex reporte si un index (label, clé) a été créé explicitement.
func (si *SecondaryIndexes) HasPropertyIndex(label, key string) bool {
	si.mu.RLock()
	defer si.mu.RUnlock()
	_, ok := si.Properties[PropertyKey{Label: label, Key: key}]
	return ok
}

// IndexNode insère un nœud dans l'index de label et, pour chaque index de propriété
// existant correspondant à l'une de ses étiquettes, dans l'index de propriété.
func (si *SecondaryIndexes) IndexNode(n *storage.Node) {
	for _, label := range n.Labels {
		si.Labels.Insert(label, n.ID)
		for _, prop := range n.Properties {
			if pi, ok := si.PropertyIndexFor(label, prop.Key); ok {
				pi.Insert(prop.Value, n.ID)
			}
		}
	}
}

// UnindexNode retire un nœud de tous les index dérivés qui le référencent.
func (si *SecondaryIndexes) UnindexNode(n *storage.Node) {
	for _, label := range n.Labels {
		si.Labels.Remove(label, n.ID)
		for _, prop := range n.Properties {
			if pi, ok := si.PropertyIndexFor(label, prop.Key); ok {
				pi.Remove(prop.Value, n.ID)
			}
		}
	}
}

// ReindexNode applique un remplacement atomique (désindexation puis réindexation) —
// utilisé par update_node_properties / update_node_labels.
func (si *SecondaryIndexes) ReindexNode(before, after *storage.Node) {
	if before != nil {
		si.UnindexNode(before)
	}
	if after != nil {
		si.IndexNode(after)
	}
}

// RebuildFromNodes reconstruit intégralement l'index de label et les index de
// propriété existants en rejouant un balayage complet des nœuds vivants — utilisé
// quand la page d'index est absente ou corrompue à l'ouverture (§4.8 : "if absent or
// corrupted, indexes are rebuilt by scanning nodes (emits a warning, takes O(n))").
func (si *SecondaryIndexes) RebuildFromNodes(nodes func(yield func(n *storage.Node) error) error) error {
	si.log.Warn().Msg("reconstruction des index secondaires par balayage complet des nœuds")
	si.mu.Lock()
	si.Labels = NewLabelIndex(si.log)
	for pk := range si.Properties {
		si.Properties[pk] = NewPropertyIndex(si.log)
	}
	si.mu.Unlock()

	return nodes(func(n *storage.Node) error {
		si.IndexNode(n)
		return nil
	})
}

// RebuildEdgeTypes reconstruit l'index de type d'arête par balayage — toujours fait à
// l'ouverture, jamais persisté (§4.8).
func (si *SecondaryIndexes) RebuildEdgeTypes(edges func(yield func(e *storage.Edge) error) error) error {
	si.mu.Lock()
	si.EdgeTypes = NewEdgeTypeIndex()
	si.mu.Unlock()

	return edges(func(e *storage.Edge) error {
		si.EdgeTypes.Insert(e.TypeName, e.ID)
		return nil
	})
}
