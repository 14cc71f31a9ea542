// Package index fournit l'index B-tree primaire (NodeId -> RecordPointer) et les index
// secondaires (label, propriété, type d'arête) du moteur de stockage.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/maskdotdev/sombra/storage"
)

// Chaque nœud occupe une unique page d'index (storage.PageTypeIndex), stockée comme le
// record blob unique de la page. Persistance format (§4.6) : une feuille porte
// `node_type:u8 | count:u16 | next_leaf:u32 | [node_id:u64, page_id:u32, slot:u16]×count`,
// next_leaf chaînant les feuilles pour le range scan ; un nœud interne porte
// `node_type:u8 | count:u16 | child0:u32 | [key:u64, child:u32]×count`. Fan-out cible
// ≈256 pour la localité de cache.
const (
	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)

	blobHeaderSize  = 1 + 2 + 4 // nodeType | numKeys | nextLeaf (internal: child0 réutilise ces 4 octets)
	leafEntrySize   = 8 + 4 + 2
	internalKeySize = 8 + 4

	maxFanout = 256
)

type leafEntry struct {
	NodeID uint64
	Ptr    storage.RecordPointer
}

type internalNode struct {
	keys     []uint64
	children []storage.PageID
}

// BTree est l'index primaire B-tree, adossé aux pages du Pager.
type BTree struct {
	RootPageID storage.PageID
	pager      *storage.Pager
}

// NewBTree crée un B-tree vide (une feuille racine vide) à l'intérieur d'une
// transaction d'écriture active.
func NewBTree(pager *storage.Pager) (*BTree, error) {
	id, page, err := pager.AllocatePage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	writeLeafNode(page, nil, 0)
	return &BTree{RootPageID: id, pager: pager}, nil
}

// OpenBTree ouvre un B-tree existant à partir de sa page racine.
func OpenBTree(pager *storage.Pager, rootPageID storage.PageID) *BTree {
	return &BTree{RootPageID: rootPageID, pager: pager}
}

func readNodeType(page *storage.Page) (byte, []byte) {
	blob, err := page.SoleRecord()
	if err != nil || len(blob) == 0 {
		return nodeTypeLeaf, nil
	}
	return blob[0], blob
}

func readLeaf(page *storage.Page) ([]leafEntry, storage.PageID) {
	_, blob := readNodeType(page)
	if blob == nil {
		return nil, 0
	}
	numKeys := binary.LittleEndian.Uint16(blob[1:])
	next := storage.PageID(binary.LittleEndian.Uint32(blob[3:]))
	off := blobHeaderSize
	entries := make([]leafEntry, 0, numKeys)
	for i := 0; i < int(numKeys); i++ {
		if off+leafEntrySize > len(blob) {
			break
		}
		nodeID := binary.LittleEndian.Uint64(blob[off:])
		pageID := storage.PageID(binary.LittleEndian.Uint32(blob[off+8:]))
		slot := storage.SlotIndex(binary.LittleEndian.Uint16(blob[off+12:]))
		entries = append(entries, leafEntry{NodeID: nodeID, Ptr: storage.RecordPointer{PageID: pageID, Slot: slot}})
		off += leafEntrySize
	}
	return entries, next
}

func writeLeafNode(page *storage.Page, entries []leafEntry, next storage.PageID) {
	blob := make([]byte, blobHeaderSize+len(entries)*leafEntrySize)
	blob[0] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(blob[1:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(blob[3:], uint32(next))
	off := blobHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(blob[off:], e.NodeID)
		binary.LittleEndian.PutUint32(blob[off+8:], uint32(e.Ptr.PageID))
		binary.LittleEndian.PutUint16(blob[off+12:], uint16(e.Ptr.Slot))
		off += leafEntrySize
	}
	page.PutSoleRecord(storage.RecordBlob, blob)
}

func readInternal(page *storage.Page) internalNode {
	_, blob := readNodeType(page)
	if blob == nil {
		return internalNode{}
	}
	numKeys := binary.LittleEndian.Uint16(blob[1:])
	child0 := storage.PageID(binary.LittleEndian.Uint32(blob[3:]))
	node := internalNode{
		keys:     make([]uint64, 0, numKeys),
		children: []storage.PageID{child0},
	}
	off := blobHeaderSize
	for i := 0; i < int(numKeys); i++ {
		if off+internalKeySize > len(blob) {
			break
		}
		key := binary.LittleEndian.Uint64(blob[off:])
		child := storage.PageID(binary.LittleEndian.Uint32(blob[off+8:]))
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
		off += internalKeySize
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	blob := make([]byte, blobHeaderSize+len(node.keys)*internalKeySize)
	blob[0] = nodeTypeInternal
	binary.LittleEndian.PutUint16(blob[1:], uint16(len(node.keys)))
	binary.LittleEndian.PutUint32(blob[3:], uint32(node.children[0]))
	off := blobHeaderSize
	for i, k := range node.keys {
		binary.LittleEndian.PutUint64(blob[off:], k)
		binary.LittleEndian.PutUint32(blob[off+8:], uint32(node.children[i+1]))
		off += internalKeySize
	}
	page.PutSoleRecord(storage.RecordBlob, blob)
}

func (bt *BTree) isLeaf(page *storage.Page) bool {
	typ, _ := readNodeType(page)
	return typ == nodeTypeLeaf
}

func (bt *BTree) findLeaf(key uint64) (*storage.Page, error) {
	id := bt.RootPageID
	for {
		page, err := bt.pager.Fetch(id)
		if err != nil {
			return nil, err
		}
		if bt.isLeaf(page) {
			return page, nil
		}
		node := readInternal(page)
		idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
		id = node.children[idx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	id := bt.RootPageID
	for {
		page, err := bt.pager.Fetch(id)
		if err != nil {
			return nil, err
		}
		if bt.isLeaf(page) {
			return page, nil
		}
		node := readInternal(page)
		id = node.children[0]
	}
}

// Lookup retourne le RecordPointer associé à NodeId, ou NotFound.
func (bt *BTree) Lookup(key uint64) (storage.RecordPointer, error) {
	page, err := bt.findLeaf(key)
	if err != nil {
		return storage.RecordPointer{}, err
	}
	entries, _ := readLeaf(page)
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].NodeID >= key })
	if idx < len(entries) && entries[idx].NodeID == key {
		return entries[idx].Ptr, nil
	}
	return storage.RecordPointer{}, storage.NewError(storage.KindNotFound, "btree.lookup", nil)
}

// RangeScan retourne les NodeIds dans [lo, hi] en ordre croissant. lo==0 && hi==^uint64(0)
// couvre l'intégralité de l'arbre ; passer hasLo=false / hasHi=false pour les bornes
// ouvertes (-infini, b] ou [a, +infini).
func (bt *BTree) RangeScan(lo uint64, hasLo bool, hi uint64, hasHi bool) ([]uint64, error) {
	var page *storage.Page
	var err error
	if hasLo {
		page, err = bt.findLeaf(lo)
	} else {
		page, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		entries, next := readLeaf(page)
		for _, e := range entries {
			if hasLo && e.NodeID < lo {
				continue
			}
			if hasHi && e.NodeID > hi {
				return result, nil
			}
			result = append(result, e.NodeID)
		}
		if next == 0 {
			break
		}
		page, err = bt.pager.Fetch(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AllOrdered retourne tous les NodeIds en ordre croissant.
func (bt *BTree) AllOrdered() ([]uint64, error) {
	return bt.RangeScan(0, false, 0, false)
}

// First retourne le plus petit NodeId présent.
func (bt *BTree) First() (uint64, bool, error) {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return 0, false, err
	}
	for {
		entries, next := readLeaf(page)
		if len(entries) > 0 {
			return entries[0].NodeID, true, nil
		}
		if next == 0 {
			return 0, false, nil
		}
		page, err = bt.pager.Fetch(next)
		if err != nil {
			return 0, false, err
		}
	}
}

// Last retourne le plus grand NodeId présent (parcourt toute la chaîne de feuilles :
// il n'y a pas de pointeur "feuille précédente" dans cette disposition).
func (bt *BTree) Last() (uint64, bool, error) {
	ids, err := bt.AllOrdered()
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[len(ids)-1], true, nil
}

// FirstN retourne les n plus petits NodeIds.
func (bt *BTree) FirstN(n int) ([]uint64, error) {
	ids, err := bt.AllOrdered()
	if err != nil {
		return nil, err
	}
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n], nil
}

// LastN retourne les n plus grands NodeIds, en ordre croissant.
func (bt *BTree) LastN(n int) ([]uint64, error) {
	ids, err := bt.AllOrdered()
	if err != nil {
		return nil, err
	}
	if n > len(ids) {
		n = len(ids)
	}
	return ids[len(ids)-n:], nil
}

type splitResult struct {
	key     uint64
	pageID  storage.PageID
}

// Insert ajoute ou remplace l'entrée NodeId -> RecordPointer.
func (bt *BTree) Insert(key uint64, ptr storage.RecordPointer) error {
	split, err := bt.insertRecursive(bt.RootPageID, key, ptr)
	if err != nil {
		return err
	}
	if split != nil {
		newRootID, newRoot, err := bt.pager.AllocatePage(storage.PageTypeIndex)
		if err != nil {
			return err
		}
		writeInternalNode(newRoot, internalNode{
			keys:     []uint64{split.key},
			children: []storage.PageID{bt.RootPageID, split.pageID},
		})
		bt.RootPageID = newRootID
	}
	return nil
}

func (bt *BTree) insertRecursive(id storage.PageID, key uint64, ptr storage.RecordPointer) (*splitResult, error) {
	page, err := bt.pager.FetchMut(id)
	if err != nil {
		return nil, err
	}
	if bt.isLeaf(page) {
		return bt.insertIntoLeaf(page, key, ptr)
	}
	node := readInternal(page)
	idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
	childSplit, err := bt.insertRecursive(node.children[idx], key, ptr)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(page, node, idx, childSplit)
}

func (bt *BTree) insertIntoLeaf(page *storage.Page, key uint64, ptr storage.RecordPointer) (*splitResult, error) {
	entries, next := readLeaf(page)
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].NodeID >= key })
	if idx < len(entries) && entries[idx].NodeID == key {
		entries[idx].Ptr = ptr // remplacement idempotent (re-insertion de la même clé)
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = leafEntry{NodeID: key, Ptr: ptr}
	}

	if len(entries) <= maxFanout {
		writeLeafNode(page, entries, next)
		return nil, nil
	}

	mid := len(entries) / 2
	left := append([]leafEntry(nil), entries[:mid]...)
	right := append([]leafEntry(nil), entries[mid:]...)

	newID, newPage, err := bt.pager.AllocatePage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	writeLeafNode(newPage, right, next)
	writeLeafNode(page, left, newID)

	return &splitResult{key: right[0].NodeID, pageID: newID}, nil
}

func (bt *BTree) insertIntoInternal(page *storage.Page, node internalNode, idx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, 0)
	copy(node.keys[idx+1:], node.keys[idx:])
	node.keys[idx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = split.pageID

	if len(node.keys) <= maxFanout {
		writeInternalNode(page, node)
		return nil, nil
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	left := internalNode{keys: append([]uint64(nil), node.keys[:mid]...), children: append([]storage.PageID(nil), node.children[:mid+1]...)}
	right := internalNode{keys: append([]uint64(nil), node.keys[mid+1:]...), children: append([]storage.PageID(nil), node.children[mid+1:]...)}

	newID, newPage, err := bt.pager.AllocatePage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	writeInternalNode(newPage, right)
	writeInternalNode(page, left)

	return &splitResult{key: pushUp, pageID: newID}, nil
}

// Remove supprime l'entrée pour NodeId. Pas de rééquilibrage — les feuilles clairsemées
// restent en l'état (aucune opération, Vacuum compris, ne les fusionne) ; c'est sans
// incidence sur la correction des lookups ou des range scans.
func (bt *BTree) Remove(key uint64) error {
	leafPage, err := bt.findLeafMut(key)
	if err != nil {
		return err
	}
	entries, next := readLeaf(leafPage)
	for i, e := range entries {
		if e.NodeID == key {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(leafPage, entries, next)
			return nil
		}
	}
	return nil
}

func (bt *BTree) findLeafMut(key uint64) (*storage.Page, error) {
	id := bt.RootPageID
	for {
		page, err := bt.pager.FetchMut(id)
		if err != nil {
			return nil, err
		}
		if bt.isLeaf(page) {
			return page, nil
		}
		node := readInternal(page)
		idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
		id = node.children[idx]
	}
}
