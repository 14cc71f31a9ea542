package index

import (
	"sync"

	"github.com/maskdotdev/sombra/storage"
)

// PrimaryIndex est la façade exportée sur l'arbre NodeId -> RecordPointer (§4.6) :
// point get/insert/delete, itération ordonnée, range scans, premiers/derniers N.
type PrimaryIndex struct {
	mu sync.RWMutex
	bt *BTree
}

// NewPrimaryIndex crée un index primaire vide.
func NewPrimaryIndex(pager *storage.Pager) (*PrimaryIndex, error) {
	bt, err := NewBTree(pager)
	if err != nil {
		return nil, err
	}
	return &PrimaryIndex{bt: bt}, nil
}

// OpenPrimaryIndex ouvre un index primaire existant à partir de sa racine.
func OpenPrimaryIndex(pager *storage.Pager, root storage.PageID) *PrimaryIndex {
	return &PrimaryIndex{bt: OpenBTree(pager, root)}
}

// RootPageID retourne la racine courante de l'arbre (à persister dans l'en-tête).
func (pi *PrimaryIndex) RootPageID() storage.PageID {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.RootPageID
}

func (pi *PrimaryIndex) Put(id uint64, ptr storage.RecordPointer) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.bt.Insert(id, ptr)
}

func (pi *PrimaryIndex) Get(id uint64) (storage.RecordPointer, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.Lookup(id)
}

func (pi *PrimaryIndex) Delete(id uint64) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.bt.Remove(id)
}

// Range implémente get_nodes_in_range(lo, hi).
func (pi *PrimaryIndex) Range(lo, hi uint64) ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.RangeScan(lo, true, hi, true)
}

// From implémente get_nodes_from(lo) : [lo, +∞).
func (pi *PrimaryIndex) From(lo uint64) ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.RangeScan(lo, true, 0, false)
}

// To implémente get_nodes_to(hi) : (-∞, hi].
func (pi *PrimaryIndex) To(hi uint64) ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.RangeScan(0, false, hi, true)
}

func (pi *PrimaryIndex) AllOrdered() ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.AllOrdered()
}

func (pi *PrimaryIndex) First() (uint64, bool, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.First()
}

func (pi *PrimaryIndex) Last() (uint64, bool, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.Last()
}

func (pi *PrimaryIndex) FirstN(n int) ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.FirstN(n)
}

func (pi *PrimaryIndex) LastN(n int) ([]uint64, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.bt.LastN(n)
}

// RebuildFromScan reconstruit l'index en scannant séquentiellement toutes les pages de
// données — utilisé quand la page racine est corrompue ou absente à l'ouverture (§4.6
// "Failure semantics"). L'appelant (la façade) fournit l'itérateur de scan et crée un
// nouvel index vide avant d'y rejouer les entrées.
func RebuildFromScan(pi *PrimaryIndex, entries func(yield func(id uint64, ptr storage.RecordPointer) error) error) error {
	return entries(func(id uint64, ptr storage.RecordPointer) error {
		return pi.Put(id, ptr)
	})
}
