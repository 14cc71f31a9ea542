package sombra

import (
	"github.com/maskdotdev/sombra/storage"
)

// IntegrityReport résume le résultat d'une vérification d'intégrité hors-ligne (extension
// de §4.10 "maintenance" au-delà de checkpoint/flush, absente du texte original mais
// nécessaire à toute base embarquée sérieuse — inspirée des outils de vérification de
// pages du professeur).
type IntegrityReport struct {
	PagesScanned       int
	CorruptPages       int
	OrphanIndexEntries int
	DanglingEdges      int
	Errors             []string
}

// Clean reporte si aucune anomalie n'a été détectée.
func (r IntegrityReport) Clean() bool {
	return r.CorruptPages == 0 && r.OrphanIndexEntries == 0 && r.DanglingEdges == 0
}

// VerifyIntegrity parcourt chaque page de données en vérifiant son CRC32, puis rejoue
// l'index primaire contre les nœuds effectivement présents et vérifie la symétrie des
// chaînes d'adjacence de chaque arête. Elle n'effectue aucune réparation — c'est une
// opération de lecture seule, exécutable sous un simple BeginRead.
func (db *DB) VerifyIntegrity() (IntegrityReport, error) {
	read, err := db.txm.BeginRead()
	if err != nil {
		return IntegrityReport{}, err
	}
	defer read.End()

	var report IntegrityReport
	total := db.pager.Header().TotalPages
	liveNodes := make(map[uint64]storage.Node)
	liveEdges := make(map[uint64]storage.Edge)

	for id := storage.PageID(1); id < storage.PageID(total); id++ {
		p, ferr := db.pager.Fetch(id)
		if ferr != nil {
			report.CorruptPages++
			report.Errors = append(report.Errors, "page inaccessible: "+ferr.Error())
			continue
		}
		report.PagesScanned++
		if !p.VerifyCRC() {
			report.CorruptPages++
			report.Errors = append(report.Errors, "CRC32 invalide")
			continue
		}
		if p.Type() != storage.PageTypeData {
			continue
		}
		_ = p.IterateSlots(func(_ storage.SlotIndex, kind storage.RecordKind, payload []byte) error {
			switch kind {
			case storage.RecordNode:
				if n, derr := storage.DecodeNode(payload); derr == nil {
					liveNodes[n.ID] = n
				}
			case storage.RecordEdge:
				if e, derr := storage.DecodeEdge(payload); derr == nil {
					liveEdges[e.ID] = e
				}
			}
			return nil
		})
	}

	ids, err := db.store.Primary.AllOrdered()
	if err == nil {
		for _, id := range ids {
			if _, ok := liveNodes[id]; !ok {
				report.OrphanIndexEntries++
			}
		}
	}

	for _, e := range liveEdges {
		src, ok := liveNodes[e.Source]
		if !ok {
			report.DanglingEdges++
			continue
		}
		dst, ok := liveNodes[e.Target]
		if !ok {
			report.DanglingEdges++
			continue
		}
		if !edgeReachableFrom(src.FirstOutgoing, e.ID, liveEdges, true) {
			report.DanglingEdges++
		}
		if e.Source != e.Target && !edgeReachableFrom(dst.FirstIncoming, e.ID, liveEdges, false) {
			report.DanglingEdges++
		}
	}

	return report, nil
}

// edgeReachableFrom suit une chaîne d'adjacence depuis une tête de liste jusqu'à trouver
// targetID ou une impasse, sans jamais boucler plus que le nombre d'arêtes connues.
func edgeReachableFrom(head uint64, targetID uint64, edges map[uint64]storage.Edge, outgoing bool) bool {
	cur := head
	for seen := 0; cur != 0 && seen <= len(edges); seen++ {
		if cur == targetID {
			return true
		}
		e, ok := edges[cur]
		if !ok {
			return false
		}
		if outgoing {
			cur = e.NextOutgoing
		} else {
			cur = e.NextIncoming
		}
	}
	return false
}

// VacuumReport résume l'effet d'un Vacuum.
type VacuumReport struct {
	PagesReclaimed int
	BytesReclaimed int64
}

// Vacuum force un checkpoint puis rapporte l'espace actuellement récupérable via le
// freelist — cette génération du moteur ne déplace pas les pages vivantes (pas de
// compaction physique de fichier) ; elle s'appuie sur le freelist déjà entretenu par
// chaque commit/checkpoint plutôt que de réécrire le fichier de données.
func (db *DB) Vacuum() (VacuumReport, error) {
	if err := db.Checkpoint(); err != nil {
		return VacuumReport{}, err
	}
	count, pageSize := db.pager.FreelistStats()
	return VacuumReport{PagesReclaimed: count, BytesReclaimed: int64(count) * int64(pageSize)}, nil
}
