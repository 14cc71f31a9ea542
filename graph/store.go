package graph

import (
	"github.com/rs/zerolog"

	"github.com/maskdotdev/sombra/index"
	"github.com/maskdotdev/sombra/storage"
)

// Store relie le codec de records, le pager, l'index primaire et les index dérivés :
// c'est l'unique point d'écriture/lecture des nœuds et arêtes sur disque. La façade
// sombra s'appuie dessus pour chaque opération de §4.6/§4.7/§4.8.
type Store struct {
	pager     *storage.Pager
	log       zerolog.Logger
	Primary   *index.PrimaryIndex // NodeId -> RecordPointer
	EdgeLoc   *index.PrimaryIndex // EdgeId -> RecordPointer (extension non décrite par le format d'en-tête d'origine, ajoutée pour que get_edge(id) reste O(log n) sans traversée)
	Secondary *index.SecondaryIndexes

	current storage.PageID // page de données courante visée par les prochaines insertions, 0 si inconnue

	// secondaryUndo journalise, pour la transaction d'écriture en cours, une fonction
	// d'annulation par mutation d'index secondaire déjà appliquée en mémoire (label,
	// propriété, type d'arête). Ces index ne passent pas par le pager, donc
	// RollbackWriteTx seul ne peut pas les défaire : le gestionnaire de transactions
	// pilote ce journal en parallèle via BeginTxJournal/CommitTxJournal/RollbackTxJournal.
	secondaryUndo []func()
}

// BeginTxJournal réinitialise le journal d'annulation des index secondaires ; à appeler
// en même temps que pager.BeginWriteTx.
func (s *Store) BeginTxJournal() {
	s.secondaryUndo = nil
}

// CommitTxJournal vide le journal sans rien défaire : les mutations d'index secondaires
// déjà appliquées en mémoire restent, elles sont désormais cohérentes avec l'état committé.
func (s *Store) CommitTxJournal() {
	s.secondaryUndo = nil
}

// RollbackTxJournal défait, dans l'ordre inverse de leur application, chaque mutation
// d'index secondaire effectuée depuis le dernier BeginTxJournal.
func (s *Store) RollbackTxJournal() {
	for i := len(s.secondaryUndo) - 1; i >= 0; i-- {
		s.secondaryUndo[i]()
	}
	s.secondaryUndo = nil
}

// journal enregistre l'annulation d'une mutation d'index secondaire qui vient d'être
// appliquée, pour un rollback éventuel de la transaction en cours.
func (s *Store) journal(undo func()) {
	s.secondaryUndo = append(s.secondaryUndo, undo)
}

// NewStore initialise un magasin vierge (nouvelle base). L'allocation des pages
// racines des deux B-trees bootstrap se fait sous une transaction d'écriture interne
// au pager, conformément à la discipline "toute mutation de page passe par le
// WAL" : aucune page n'est jamais allouée hors transaction, même à la création.
func NewStore(pager *storage.Pager, log zerolog.Logger) (*Store, error) {
	primary, edgeLoc, err := bootstrapIndexRoots(pager)
	if err != nil {
		return nil, err
	}
	s := &Store{
		pager:     pager,
		log:       log,
		Primary:   primary,
		EdgeLoc:   edgeLoc,
		Secondary: index.NewSecondaryIndexes(log),
	}
	pager.SetIndexRootsRefresher(s.currentRoots)
	return s, nil
}

// currentRoots renvoie les racines courantes des index primaire et d'emplacement des
// arêtes : le pager l'appelle à chaque CommitWriteTx pour que l'en-tête committé
// reflète une scission de racine survenue pendant la transaction, pas seulement celle
// prise en compte au dernier checkpoint.
func (s *Store) currentRoots() (storage.PageID, storage.PageID) {
	return s.Primary.RootPageID(), s.EdgeLoc.RootPageID()
}

// bootstrapIndexRoots alloue les pages racines de l'index primaire et de l'index
// d'emplacement des arêtes sous une transaction d'écriture dédiée, puis persiste
// immédiatement les racines obtenues dans l'en-tête.
func bootstrapIndexRoots(pager *storage.Pager) (primary, edgeLoc *index.PrimaryIndex, err error) {
	if err = pager.BeginWriteTx(); err != nil {
		return nil, nil, err
	}
	primary, err = index.NewPrimaryIndex(pager)
	if err != nil {
		_ = pager.RollbackWriteTx()
		return nil, nil, err
	}
	edgeLoc, err = index.NewPrimaryIndex(pager)
	if err != nil {
		_ = pager.RollbackWriteTx()
		return nil, nil, err
	}
	pager.SetIndexRoots(primary.RootPageID(), 0, 0, 0, edgeLoc.RootPageID())
	if _, err = pager.CommitWriteTx(); err != nil {
		return nil, nil, err
	}
	return primary, edgeLoc, nil
}

// OpenStore ouvre un magasin existant à partir des racines persistées dans l'en-tête.
// Si la racine de l'index primaire ou celle de l'index d'emplacement des arêtes est
// absente, un balayage complet reconstruit
// l'index primaire, l'index d'emplacement des arêtes et les index secondaires,
// conformément à §4.3 étape 4 / §4.8 ("if absent or corrupted, ... rebuilt by scanning").
func OpenStore(pager *storage.Pager, log zerolog.Logger) (*Store, error) {
	h := pager.Header()
	s := &Store{pager: pager, log: log, Secondary: index.NewSecondaryIndexes(log)}

	if h.PrimaryRoot != 0 {
		s.Primary = index.OpenPrimaryIndex(pager, h.PrimaryRoot)
	}
	if h.EdgeRoot != 0 {
		s.EdgeLoc = index.OpenPrimaryIndex(pager, h.EdgeRoot)
	}

	needRebuild := h.PrimaryRoot == 0 || h.EdgeRoot == 0
	if needRebuild {
		log.Warn().Msg("racine d'index absente : reconstruction par balayage complet des pages de données")
		primary, edgeLoc, err := bootstrapIndexRoots(pager)
		if err != nil {
			return nil, err
		}
		s.Primary = primary
		s.EdgeLoc = edgeLoc
		pager.SetIndexRootsRefresher(s.currentRoots)
		if err := s.rebuildFromScan(); err != nil {
			return nil, err
		}
		return s, nil
	}

	pager.SetIndexRootsRefresher(s.currentRoots)

	// Le label index et les index de propriété créés explicitement ne sont pas
	// sérialisés dans cette génération (voir Serializer) : ils sont toujours
	// reconstruits par balayage, de même que l'index de type d'arête (§4.8).
	if err := s.Secondary.RebuildFromNodes(s.scanNodes); err != nil {
		return nil, err
	}
	if err := s.Secondary.RebuildEdgeTypes(s.scanEdges); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuildFromScan reconstruit l'index primaire, l'index d'emplacement des arêtes et les
// index secondaires en itérant séquentiellement toutes les pages de données allouées.
func (s *Store) rebuildFromScan() error {
	if err := s.scanNodes(func(n *storage.Node) error {
		ptr, err := s.locateNode(n.ID)
		if err != nil {
			return err
		}
		if err := s.Primary.Put(n.ID, ptr); err != nil {
			return err
		}
		s.Secondary.IndexNode(n)
		return nil
	}); err != nil {
		return err
	}
	return s.scanEdges(func(e *storage.Edge) error {
		ptr, err := s.locateEdge(e.ID)
		if err != nil {
			return err
		}
		if err := s.EdgeLoc.Put(e.ID, ptr); err != nil {
			return err
		}
		s.Secondary.EdgeTypes.Insert(e.TypeName, e.ID)
		return nil
	})
}

// locateNode/locateEdge refont un balayage ciblé pour retrouver le pointeur d'un id
// déjà décodé pendant rebuildFromScan (évite de porter le pointeur hors de la closure
// de scan, au prix d'un second passage sur la même page — acceptable car la
// reconstruction complète est déjà O(n) et rare).
func (s *Store) locateNode(id uint64) (storage.RecordPointer, error) {
	var found storage.RecordPointer
	err := s.forEachDataPage(func(pageID storage.PageID, p *storage.Page) error {
		return p.IterateSlots(func(slot storage.SlotIndex, kind storage.RecordKind, payload []byte) error {
			if kind != storage.RecordNode {
				return nil
			}
			n, derr := storage.DecodeNode(payload)
			if derr != nil {
				return nil
			}
			if n.ID == id {
				found = storage.RecordPointer{PageID: pageID, Slot: slot}
			}
			return nil
		})
	})
	return found, err
}

func (s *Store) locateEdge(id uint64) (storage.RecordPointer, error) {
	var found storage.RecordPointer
	err := s.forEachDataPage(func(pageID storage.PageID, p *storage.Page) error {
		return p.IterateSlots(func(slot storage.SlotIndex, kind storage.RecordKind, payload []byte) error {
			if kind != storage.RecordEdge {
				return nil
			}
			e, derr := storage.DecodeEdge(payload)
			if derr != nil {
				return nil
			}
			if e.ID == id {
				found = storage.RecordPointer{PageID: pageID, Slot: slot}
			}
			return nil
		})
	})
	return found, err
}

// forEachDataPage itère toutes les pages de type Données allouées dans le fichier, dans
// l'ordre de leur PageId — la page 0 (en-tête) et les pages d'index/freelist sont ignorées.
func (s *Store) forEachDataPage(fn func(id storage.PageID, p *storage.Page) error) error {
	total := s.pager.Header().TotalPages
	for id := storage.PageID(1); id < storage.PageID(total); id++ {
		p, err := s.pager.Fetch(id)
		if err != nil {
			continue
		}
		if p.Type() != storage.PageTypeData {
			continue
		}
		if err := fn(id, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanNodes(yield func(n *storage.Node) error) error {
	return s.forEachDataPage(func(_ storage.PageID, p *storage.Page) error {
		return p.IterateSlots(func(_ storage.SlotIndex, kind storage.RecordKind, payload []byte) error {
			if kind != storage.RecordNode {
				return nil
			}
			n, err := storage.DecodeNode(payload)
			if err != nil {
				return nil
			}
			return yield(&n)
		})
	})
}

// ScanNodes itère tous les nœuds vivants en balayant les pages de données, dans l'ordre
// des pages puis des slots — utilisé par la façade pour reconstruire un index de
// propriété créé après coup (RebuildPropertyIndex).
func (s *Store) ScanNodes(yield func(n *storage.Node) error) error { return s.scanNodes(yield) }

// ScanEdges itère toutes les arêtes vivantes de la même façon.
func (s *Store) ScanEdges(yield func(e *storage.Edge) error) error { return s.scanEdges(yield) }

func (s *Store) scanEdges(yield func(e *storage.Edge) error) error {
	return s.forEachDataPage(func(_ storage.PageID, p *storage.Page) error {
		return p.IterateSlots(func(_ storage.SlotIndex, kind storage.RecordKind, payload []byte) error {
			if kind != storage.RecordEdge {
				return nil
			}
			e, err := storage.DecodeEdge(payload)
			if err != nil {
				return nil
			}
			return yield(&e)
		})
	})
}

// insertPayload place un record dans la page courante si elle a la place, sinon alloue
// une nouvelle page de données et en fait la nouvelle cible des insertions.
func (s *Store) insertPayload(kind storage.RecordKind, payload []byte) (storage.RecordPointer, error) {
	if s.current != 0 {
		if p, err := s.pager.FetchMut(s.current); err == nil {
			if slot, ierr := p.InsertRecord(kind, payload); ierr == nil {
				s.pager.MarkDirty(s.current, p)
				return storage.RecordPointer{PageID: s.current, Slot: slot}, nil
			}
		}
	}
	id, p, err := s.pager.AllocatePage(storage.PageTypeData)
	if err != nil {
		return storage.RecordPointer{}, err
	}
	slot, err := p.InsertRecord(kind, payload)
	if err != nil {
		return storage.RecordPointer{}, err
	}
	s.pager.MarkDirty(id, p)
	s.current = id
	return storage.RecordPointer{PageID: id, Slot: slot}, nil
}

// updatePayload remplace en place quand possible ; sinon libère l'ancien slot et
// réinsère ailleurs, renvoyant le nouveau pointeur (l'appelant doit répercuter le
// déplacement dans l'index primaire/d'emplacement).
func (s *Store) updatePayload(ptr storage.RecordPointer, kind storage.RecordKind, payload []byte) (storage.RecordPointer, error) {
	p, err := s.pager.FetchMut(ptr.PageID)
	if err != nil {
		return storage.RecordPointer{}, err
	}
	if err := p.UpdateRecord(ptr.Slot, kind, payload); err == nil {
		s.pager.MarkDirty(ptr.PageID, p)
		return ptr, nil
	}
	if err := p.DeleteRecord(ptr.Slot); err != nil {
		return storage.RecordPointer{}, err
	}
	s.pager.MarkDirty(ptr.PageID, p)
	return s.insertPayload(kind, payload)
}

func (s *Store) deletePayload(ptr storage.RecordPointer) error {
	p, err := s.pager.FetchMut(ptr.PageID)
	if err != nil {
		return err
	}
	if err := p.DeleteRecord(ptr.Slot); err != nil {
		return err
	}
	s.pager.MarkDirty(ptr.PageID, p)
	return nil
}

// Serializer construit un storage.IndexSerializer lié à ce magasin, à fournir à
// Pager.Checkpoint.
func (s *Store) Serializer() storage.IndexSerializer {
	return func(p *storage.Pager) (primary, property, label, edgeType, edgeLoc storage.PageID, err error) {
		primary = s.Primary.RootPageID()
		edgeLoc = s.EdgeLoc.RootPageID()
		// label/property/edge-type restent en mémoire pour cette génération du moteur :
		// property est rebâti au besoin (PropertyRoot=0 force la reconstruction à
		// l'ouverture), edge-type est toujours reconstruit à l'ouverture (§4.8).
		return primary, 0, 0, 0, edgeLoc, nil
	}
}
