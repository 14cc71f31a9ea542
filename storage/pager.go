package storage

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Pager maintient un cache borné de pages (LRU), l'I/O fichier, l'allocation et la
// liste libre. Une unique transaction d'écriture peut être active à la fois : ses
// pages sales sont épinglées dans le cache (txDirty) jusqu'au commit ou au rollback,
// moment auquel elles sont soit émises comme frames WAL, soit restaurées depuis leurs
// images avant (txUndo).
type Pager struct {
	mu     sync.RWMutex
	file   StorageFile
	wal    *WAL
	lock   *fileLock
	path   string
	config Config
	log    zerolog.Logger

	header DatabaseHeader
	cache  *lruCache
	free   *freelist

	// committedDirty recense les pages modifiées par une transaction commise mais pas
	// encore répercutées dans le fichier de données (pas de "force" au commit ; seul
	// le WAL est garanti durable). Elles peuvent être volées (écrites) à tout moment
	// car leur image WAL est déjà fsync-ée.
	committedDirty map[PageID]bool

	inTx      bool
	txDirty   map[PageID][]byte // après-images des pages touchées dans la transaction active
	txUndo    map[PageID][]byte // avant-images, pour rollback
	txHeader  DatabaseHeader    // snapshot de l'en-tête avant la transaction
	txNewPages []PageID         // pages allouées pendant la transaction
	txFreed    []PageID         // pages reprises à la liste libre pendant la transaction (rendues au rollback)

	// indexRootsFn, si non nil, renvoie les racines courantes des index primaire et
	// d'emplacement des arêtes. CommitWriteTx l'appelle avant d'émettre l'en-tête :
	// un split de racine de B-tree survenu pendant la transaction ne change bt.RootPageID
	// qu'en mémoire, donc sans ce rafraîchissement l'en-tête committé resterait une
	// racine périmée et un crash avant le prochain checkpoint rendrait l'arbre inatteignable.
	indexRootsFn func() (primary, edgeLoc PageID)

	closed bool
}

// SetIndexRootsRefresher enregistre la fonction que CommitWriteTx consulte pour obtenir
// les racines courantes de l'index primaire et de l'index d'emplacement des arêtes,
// afin que chaque en-tête committé reflète l'arbre tel qu'il est à la fin de la
// transaction, pas tel qu'il était à son ouverture.
func (p *Pager) SetIndexRootsRefresher(fn func() (primary, edgeLoc PageID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexRootsFn = fn
}

// OpenPager ouvre (ou crée) une base de données sur disque au chemin donné.
func OpenPager(path string, cfg Config, log zerolog.Logger) (*Pager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fl, err := lockFile(path)
	if err != nil {
		return nil, NewError(KindIo, "pager.open", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		fl.unlock()
		return nil, NewError(KindIo, "pager.open", err)
	}

	return newPager(file, fl, path, cfg, log)
}

// OpenPagerReadOnly ouvre une base existante en lecture seule (pas de verrou exclusif,
// pas de WAL en écriture).
func OpenPagerReadOnly(path string, cfg Config, log zerolog.Logger) (*Pager, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, NewError(KindIo, "pager.open_read_only", err)
	}
	return newPager(file, nil, path, cfg, log)
}

// OpenPagerMemory ouvre une base purement en mémoire (pour les tests).
func OpenPagerMemory(cfg Config, log zerolog.Logger) (*Pager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newPager(NewMemFile(), nil, ":memory:", cfg, log)
}

func newPager(file StorageFile, fl *fileLock, path string, cfg Config, log zerolog.Logger) (*Pager, error) {
	p := &Pager{
		file:           file,
		lock:           fl,
		path:           path,
		config:         cfg,
		log:            log,
		cache:          newLRUCache(cfg.PageCacheSize),
		committedDirty: make(map[PageID]bool),
	}
	p.cache.onEvict = p.onCacheEvict

	info, err := file.Stat()
	if err != nil {
		p.closeFiles()
		return nil, NewError(KindIo, "pager.open", err)
	}

	if info.Size() == 0 {
		p.header = DatabaseHeader{
			PageSize:     uint32(cfg.PageSize),
			NextNodeID:   1,
			NextEdgeID:   1,
			TotalPages:   1,
		}
		p.free = newFreelist()
		if fl != nil {
			wal, err := OpenWAL(path, WALOptions{PageSize: cfg.PageSize, SyncMode: cfg.WALSyncMode, GroupCommitTimeout: cfg.GroupCommitTimeout, Logger: log})
			if err != nil {
				p.closeFiles()
				return nil, err
			}
			p.wal = wal
		}
		if err := p.writeHeaderPage(); err != nil {
			p.closeFiles()
			return nil, err
		}
	} else {
		hp, err := p.readPageFromDisk(0)
		if err != nil {
			p.closeFiles()
			return nil, err
		}
		h, err := decodeHeader(hp)
		if err != nil {
			p.closeFiles()
			return nil, err
		}
		p.header = h
		if int(h.PageSize) != cfg.PageSize {
			p.closeFiles()
			return nil, NewError(KindInvalid, "pager.open", errPageSizeMismatch)
		}

		if fl != nil {
			wal, err := OpenWAL(path, WALOptions{PageSize: cfg.PageSize, SyncMode: cfg.WALSyncMode, GroupCommitTimeout: cfg.GroupCommitTimeout, Logger: log})
			if err != nil {
				p.closeFiles()
				return nil, err
			}
			p.wal = wal
			if err := p.recoverFromWAL(); err != nil {
				p.closeFiles()
				return nil, err
			}
		}

		fr, err := decodeFreelistPages(p.header.FreelistHead, p.readPageFromDisk)
		if err != nil {
			p.log.Warn().Err(err).Msg("freelist chain unreadable, starting with an empty free-list")
			fr = newFreelist()
		}
		p.free = fr
	}

	return p, nil
}

var errPageSizeMismatch = simpleErr("configured page_size does not match the database header")

func (p *Pager) closeFiles() {
	if p.wal != nil {
		p.wal.Close()
	}
	p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
}

// Close libère les ressources (fichier de données, WAL, verrou de fichier) sans
// checkpointer.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeFiles()
	return nil
}

// Header retourne une copie de l'en-tête courant de la base.
func (p *Pager) Header() DatabaseHeader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header
}

// PageSize retourne la taille de page configurée pour cette base.
func (p *Pager) PageSize() int { return p.config.PageSize }

// AllocateNodeID retourne et incrémente le compteur d'identifiants de nœuds ; doit être
// appelé à l'intérieur d'une transaction d'écriture.
func (p *Pager) AllocateNodeID() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return 0, NewError(KindTransactionState, "pager.allocate_node_id", errNotInWriteTx)
	}
	id := p.header.NextNodeID
	p.header.NextNodeID++
	return id, nil
}

// AllocateEdgeID retourne et incrémente le compteur d'identifiants d'arêtes.
func (p *Pager) AllocateEdgeID() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return 0, NewError(KindTransactionState, "pager.allocate_edge_id", errNotInWriteTx)
	}
	id := p.header.NextEdgeID
	p.header.NextEdgeID++
	return id, nil
}

// SetIndexRoots met à jour les racines d'index stockées dans l'en-tête (appelé par les
// gestionnaires d'index après réorganisation de leur arbre).
func (p *Pager) SetIndexRoots(primary, property, label, edgeType, edgeLoc PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.PrimaryRoot = primary
	p.header.PropertyRoot = property
	p.header.LabelRoot = label
	p.header.EdgeTypeRoot = edgeType
	p.header.EdgeRoot = edgeLoc
}

// ---------- Lecture/écriture de pages ----------

func (p *Pager) readPageFromDisk(id PageID) (*Page, error) {
	buf := make([]byte, p.config.PageSize)
	_, err := p.file.ReadAt(buf, int64(id)*int64(p.config.PageSize))
	if err != nil && err != io.EOF {
		return nil, NewError(KindIo, "pager.read_page", err)
	}
	page := LoadPage(buf)
	if p.config.ChecksumEnabled && !page.VerifyCRC() {
		return nil, NewError(KindCorruption, "pager.read_page", errPageCRC)
	}
	return page, nil
}

var errPageCRC = simpleErr("page CRC32 mismatch")

// Fetch retourne une page en lecture. Si une transaction d'écriture a une version plus
// récente en mémoire, c'est celle-là qui est retournée (les lecteurs internes à la
// transaction voient ses propres écritures plus tôt).
func (p *Pager) Fetch(id PageID) (*Page, error) {
	p.mu.RLock()
	if p.inTx {
		if data, ok := p.txDirty[id]; ok {
			p.mu.RUnlock()
			return LoadPage(data), nil
		}
	}
	p.mu.RUnlock()

	if data, ok := p.cache.get(id); ok {
		return LoadPage(data), nil
	}

	page, err := p.readPageFromDisk(id)
	if err != nil {
		return nil, err
	}
	p.cache.put(id, page.Data)
	return page, nil
}

// FetchMut retourne une page modifiable. Doit être appelé à l'intérieur d'une
// transaction d'écriture ; capture l'image avant la première modification de cette
// transaction pour permettre un rollback.
func (p *Pager) FetchMut(id PageID) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return nil, NewError(KindTransactionState, "pager.fetch_mut", errNotInWriteTx)
	}
	if data, ok := p.txDirty[id]; ok {
		return LoadPage(data), nil
	}

	var before []byte
	if data, ok := p.cache.get(id); ok {
		before = append([]byte(nil), data...)
	} else {
		page, err := p.readPageFromDisk(id)
		if err != nil {
			return nil, err
		}
		before = append([]byte(nil), page.Data...)
	}
	p.txUndo[id] = before
	cp := append([]byte(nil), before...)
	p.txDirty[id] = cp
	if len(p.txDirty) > p.config.MaxTransactionPages && p.config.MaxTransactionPages > 0 {
		delete(p.txDirty, id)
		return nil, NewError(KindResourceExhausted, "pager.fetch_mut", errTxTooLarge)
	}
	return LoadPage(cp), nil
}

var (
	errNotInWriteTx = simpleErr("operation requires an active write transaction")
	errTxTooLarge   = simpleErr("transaction dirty set exceeds max_transaction_pages")
)

// MarkDirty doit être appelée après toute mutation en place d'une page retournée par
// FetchMut, pour que son image après-modification soit celle émise au commit (les
// pages renvoyées par FetchMut partagent déjà le buffer suivi par txDirty, donc cette
// méthode existe surtout pour la symétrie avec le style du pager du professeur — les
// écritures sont déjà visibles via le buffer partagé).
func (p *Pager) MarkDirty(id PageID, page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTx {
		p.txDirty[id] = page.Data
	}
}

// AllocatePage alloue une nouvelle page (depuis la liste libre ou en étendant le
// fichier) et la marque sale dans la transaction active.
func (p *Pager) AllocatePage(typ PageType) (PageID, *Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return 0, nil, NewError(KindTransactionState, "pager.allocate_page", errNotInWriteTx)
	}

	if p.config.MaxDatabaseSizeMB > 0 {
		limitPages := uint32(p.config.MaxDatabaseSizeMB * 1024 * 1024 / p.config.PageSize)
		if p.header.TotalPages >= limitPages {
			if _, ok := p.free.pop(); !ok {
				return 0, nil, NewError(KindResourceExhausted, "pager.allocate_page", errDatabaseFull)
			}
		}
	}

	var id PageID
	if reused, ok := p.free.pop(); ok {
		id = reused
		p.txFreed = append(p.txFreed, id) // trace pour annuler le pop au rollback
	} else {
		id = PageID(p.header.TotalPages)
		p.header.TotalPages++
	}
	page := NewPage(p.config.PageSize, id, typ)
	p.txDirty[id] = page.Data
	p.txNewPages = append(p.txNewPages, id)
	return id, page, nil
}

var errDatabaseFull = simpleErr("database has reached max_database_size_mb")

// FreePage renvoie une page à la liste libre, payload remis à zéro.
func (p *Pager) FreePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return NewError(KindTransactionState, "pager.free_page", errNotInWriteTx)
	}
	zero := make([]byte, p.config.PageSize)
	page := LoadPage(zero)
	page.Data[offPageType] = byte(PageTypeFree)
	p.txDirty[id] = page.Data
	p.free.push(id)
	return nil
}

// ---------- Transactions ----------

// BeginWriteTx ouvre la transaction d'écriture unique du pager. Le pager lui-même
// n'impose qu'une exclusion mutuelle simple ; la politique de verrouillage process-wide
// décrite en §5 vit dans le paquet concurrency, au-dessus de cette couche.
func (p *Pager) BeginWriteTx() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTx {
		return NewError(KindTransactionState, "pager.begin_write", errAlreadyInTx)
	}
	p.inTx = true
	p.txDirty = make(map[PageID][]byte)
	p.txUndo = make(map[PageID][]byte)
	p.txHeader = p.header
	p.txNewPages = nil
	p.txFreed = nil
	return nil
}

var errAlreadyInTx = simpleErr("a write transaction is already active")

// CommitWriteTx émet les frames WAL pour toutes les pages sales de la transaction (plus
// l'en-tête, émis à chaque commit), applique la politique de fsync, puis rend
// les pages visibles aux lecteurs via le cache.
func (p *Pager) CommitWriteTx() (uint64, error) {
	p.mu.Lock()
	if !p.inTx {
		p.mu.Unlock()
		return 0, NewError(KindTransactionState, "pager.commit", errNotInWriteTx)
	}

	frames := make(map[PageID][]byte, len(p.txDirty)+1)
	for id, data := range p.txDirty {
		frames[id] = data
	}
	if p.indexRootsFn != nil {
		primary, edgeLoc := p.indexRootsFn()
		p.header.PrimaryRoot = primary
		p.header.EdgeRoot = edgeLoc
	}
	headerPage := encodeHeader(p.header, p.config.PageSize)
	frames[0] = headerPage.Data

	var lsn uint64
	if p.wal != nil {
		lsns, err := p.wal.AppendFrames(frames)
		if err != nil {
			p.mu.Unlock()
			return 0, err
		}
		if err := p.wal.Commit(); err != nil {
			p.mu.Unlock()
			return 0, err
		}
		if len(lsns) > 0 {
			lsn = lsns[len(lsns)-1]
		}
		p.header.Watermark = lsn
	}

	for id, data := range frames {
		p.cache.put(id, data)
		if id != 0 {
			p.committedDirty[id] = true
		}
	}

	p.inTx = false
	p.txDirty = nil
	p.txUndo = nil
	p.txNewPages = nil
	p.txFreed = nil
	p.mu.Unlock()
	return lsn, nil
}

// RollbackWriteTx jette toutes les modifications en mémoire, restaure les avant-images
// au cache, et libère la transaction — idempotent une fois la transaction terminée.
func (p *Pager) RollbackWriteTx() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return nil
	}
	for id, before := range p.txUndo {
		p.cache.put(id, before)
	}
	// rendre à la liste libre les pages reprises, dans l'ordre inverse des pops
	for i := len(p.txFreed) - 1; i >= 0; i-- {
		p.free.push(p.txFreed[i])
	}
	p.header = p.txHeader
	p.inTx = false
	p.txDirty = nil
	p.txUndo = nil
	p.txNewPages = nil
	p.txFreed = nil
	return nil
}

// onCacheEvict est appelé par le cache LRU avant d'évincer une victime. Les pages
// appartenant à la transaction active sont épinglées (veto) ; les pages sales commises
// mais pas encore checkpointées sont volées vers le fichier de données (leur frame WAL
// est déjà durable, donc l'écriture est idempotente en cas de crash pendant le vol).
func (p *Pager) onCacheEvict(id PageID, data []byte) bool {
	if p.inTx {
		if _, dirty := p.txDirty[id]; dirty {
			return true
		}
	}
	if p.committedDirty[id] {
		if _, err := p.file.WriteAt(data, int64(id)*int64(p.config.PageSize)); err == nil {
			delete(p.committedDirty, id)
		}
	}
	return false
}

// ---------- Checkpoint & recovery ----------

// IndexSerializer sérialise les index secondaires/primaire sur des pages du pager et
// retourne leurs racines ; implémenté par le paquet index, invoqué par Checkpoint.
type IndexSerializer func(p *Pager) (primary, property, label, edgeType, edgeLoc PageID, err error)

// Checkpoint flush toutes les pages sales, sérialise les index via serialize, écrit un
// nouvel en-tête et tronque le WAL — le protocole de §4.5. L'appelant (la façade) doit
// déjà détenir le rôle exclusif de checkpoint (aucun écrivain actif).
func (p *Pager) Checkpoint(serialize IndexSerializer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTx {
		return NewError(KindTransactionState, "pager.checkpoint", errCheckpointDuringTx)
	}

	for id := range p.committedDirty {
		data, ok := p.cache.get(id)
		if !ok {
			continue
		}
		if _, err := p.file.WriteAt(data, int64(id)*int64(p.config.PageSize)); err != nil {
			return NewError(KindIo, "pager.checkpoint", err)
		}
	}
	p.committedDirty = make(map[PageID]bool)

	if serialize != nil {
		// la sérialisation d'index peut allouer/libérer des pages : on lui ouvre une
		// pseudo-transaction pour réutiliser FetchMut/AllocatePage.
		p.inTx = true
		p.txDirty = make(map[PageID][]byte)
		p.txUndo = make(map[PageID][]byte)
		p.txHeader = p.header
		p.mu.Unlock()
		primary, property, label, edgeType, edgeLoc, err := serialize(p)
		p.mu.Lock()
		if err != nil {
			p.inTx = false
			return err
		}
		for id, data := range p.txDirty {
			if _, werr := p.file.WriteAt(data, int64(id)*int64(p.config.PageSize)); werr != nil {
				p.inTx = false
				return NewError(KindIo, "pager.checkpoint", werr)
			}
			p.cache.put(id, data)
		}
		p.inTx = false
		p.txDirty = nil
		p.txUndo = nil
		p.header.PrimaryRoot = primary
		p.header.PropertyRoot = property
		p.header.LabelRoot = label
		p.header.EdgeTypeRoot = edgeType
		p.header.EdgeRoot = edgeLoc
	}

	freelistHead, err := encodeFreelistPages(p.free, p.config.PageSize, func() (PageID, *Page) {
		id := PageID(p.header.TotalPages)
		p.header.TotalPages++
		pg := NewPage(p.config.PageSize, id, PageTypeFreelist)
		return id, pg
	})
	if err != nil {
		return err
	}
	p.header.FreelistHead = freelistHead

	if err := p.writeHeaderPageLocked(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return NewError(KindIo, "pager.checkpoint", err)
	}

	if p.wal != nil {
		if err := p.wal.Truncate(p.header.Watermark + 1); err != nil {
			return err
		}
	}
	p.log.Info().Uint64("watermark", p.header.Watermark).Msg("checkpoint complete")
	return nil
}

var errCheckpointDuringTx = simpleErr("cannot checkpoint while a write transaction is active")

func (p *Pager) writeHeaderPage() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderPageLocked()
}

func (p *Pager) writeHeaderPageLocked() error {
	hp := encodeHeader(p.header, p.config.PageSize)
	if _, err := p.file.WriteAt(hp.Data, 0); err != nil {
		return NewError(KindIo, "pager.write_header", err)
	}
	p.cache.put(0, hp.Data)
	return nil
}

// recoverFromWAL rejoue les frames dont le LSN dépasse le filigrane courant, directement
// dans le fichier de données (idempotent car les images de page sont entières), avance
// le filigrane puis tronque le WAL — §4.5 "Recovery on open".
func (p *Pager) recoverFromWAL() error {
	var highest uint64
	replayed := 0
	err := p.wal.Replay(p.header.Watermark, func(f Frame) error {
		if _, err := p.file.WriteAt(f.Page, int64(f.PageID)*int64(p.config.PageSize)); err != nil {
			return NewError(KindIo, "pager.recover", err)
		}
		if f.LSN > highest {
			highest = f.LSN
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		p.log.Warn().Int("frames_replayed", replayed).Uint64("watermark", highest).Msg("recovered uncheckpointed WAL frames on open")
		if err := p.file.Sync(); err != nil {
			return NewError(KindIo, "pager.recover", err)
		}
		p.header.Watermark = highest

		hp, err := p.readPageFromDisk(0)
		if err == nil {
			if h, derr := decodeHeader(hp); derr == nil {
				h.Watermark = highest
				p.header = h
			}
		}
		if err := p.writeHeaderPageLocked(); err != nil {
			return err
		}
		if err := p.file.Sync(); err != nil {
			return NewError(KindIo, "pager.recover", err)
		}
		if err := p.wal.Truncate(highest + 1); err != nil {
			return err
		}
	}
	return nil
}

// CacheStats expose les statistiques du cache LRU pour l'observabilité (§4.10).
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}

// CacheHitRate retourne le taux de succès du cache de pages.
func (p *Pager) CacheHitRate() float64 {
	return p.cache.hitRate()
}

// FreelistStats retourne le nombre de pages libres actuellement suivies et la taille de
// page courante — utilisé par Vacuum pour rapporter l'espace récupérable. Cette
// génération du moteur ne compacte pas physiquement le fichier (pas de déplacement de
// pages vivantes) ; elle se contente de rapporter le freelist déjà entretenu par chaque
// commit/checkpoint.
func (p *Pager) FreelistStats() (count int, pageSize int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.free.len(), p.config.PageSize
}

// WALSize retourne la taille actuelle du fichier WAL, utilisée pour la pression de
// retour sur max_wal_size_mb.
func (p *Pager) WALSize() (int64, error) {
	if p.wal == nil {
		return 0, nil
	}
	return p.wal.Size()
}

// ShouldCheckpoint indique si le volume du WAL ou le nombre d'écritures depuis le
// dernier checkpoint franchit les seuils configurés (checkpoint_threshold, max_wal_size_mb).
func (p *Pager) ShouldCheckpoint() bool {
	p.mu.RLock()
	dirtyCount := len(p.committedDirty)
	p.mu.RUnlock()
	if p.config.CheckpointThreshold > 0 && dirtyCount >= p.config.CheckpointThreshold {
		return true
	}
	if p.config.MaxWALSizeMB > 0 {
		if sz, err := p.WALSize(); err == nil && sz > int64(p.config.MaxWALSizeMB)*1024*1024 {
			return true
		}
	}
	return false
}
