package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fichier WAL unique avec en-tête fixe (32 octets) :
//
//	magic:4 | format_version:u32 | page_size:u32 | salt:u64 | start_lsn:u64 | crc32:u32
const walHeaderSize = 32

var walMagic = [4]byte{'S', 'O', 'M', 'B'}

const walFormatVersion = 1

// Chaque frame est un en-tête de 32 octets suivi de l'image complète de la page :
//
//	frame_lsn:u64 | page_id:u64 | prev_chain_crc:u64 | payload_crc:u32 | header_crc:u32
const walFrameHeaderSize = 32

// Frame est une entrée du journal d'écriture anticipée : une image de page entière
// associée à son numéro de séquence (LSN).
type Frame struct {
	LSN    uint64
	PageID PageID
	Page   []byte
}

// chainCRC replie le CRC d'en-tête du frame précédent avec sa taille, de sorte que
// toute troncature ou réordonnancement casse la chaîne (propriété testable 3).
func chainCRC(prevHeaderCRC uint32, prevFrameSize int) uint64 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], prevHeaderCRC)
	binary.LittleEndian.PutUint64(b[4:], uint64(prevFrameSize))
	return uint64(crc32.ChecksumIEEE(b[:]))
}

// WAL gère le journal d'écriture anticipée : un seul fichier d'ajout, chaîné par CRC.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	salt     uint64

	nextLSN      uint64
	lastHeaderCRC uint32
	lastFrameSize int
	lastChainCRC  uint64

	syncMode SyncMode
	log      zerolog.Logger

	group *groupCommitCoordinator
}

// WALOptions configure un WAL ouvert pour une page_size et une politique de fsync données.
type WALOptions struct {
	PageSize           int
	SyncMode           SyncMode
	GroupCommitTimeout time.Duration
	Logger             zerolog.Logger
}

// OpenWAL ouvre ou crée le fichier WAL associé à la base de données (chemin `<name>-wal`,
// un seul fichier — voir §6 : la forme segmentée `<name>-wal/` est explicitement rejetée).
func OpenWAL(dbPath string, opts WALOptions) (*WAL, error) {
	walPath := dbPath + "-wal"

	if info, err := os.Stat(walPath); err == nil && info.IsDir() {
		return nil, NewError(KindCorruption, "wal.open", fmt.Errorf("%s is a segmented WAL directory; this build only accepts the single-file form", walPath))
	}

	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, NewError(KindIo, "wal.open", err)
	}

	w := &WAL{
		file:     file,
		path:     walPath,
		pageSize: opts.PageSize,
		syncMode: opts.SyncMode,
		nextLSN:  1,
		log:      opts.Logger,
	}
	w.group = newGroupCommitCoordinator(w, opts.GroupCommitTimeout)

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, NewError(KindIo, "wal.open", err)
	}

	if info.Size() == 0 {
		w.salt = uuidSalt()
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		w.lastChainCRC = chainCRC(0, 0)
	} else {
		if err := w.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := w.loadTail(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return w, nil
}

func uuidSalt() uint64 {
	id := uuid.New()
	b := id[:]
	return binary.LittleEndian.Uint64(b[:8])
}

// Close ferme le fichier WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// NextLSN retourne le prochain numéro de séquence qui sera attribué.
func (w *WAL) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// AppendFrames écrit une ou plusieurs paires (en-tête, image de page) en un seul
// écriture vectorisée et retourne une fois les octets parvenus aux tampons du noyau.
// Le fsync proprement dit est décidé par la politique (Full/Normal/GroupCommit/Off) à
// travers Commit, pas ici.
func (w *WAL) AppendFrames(pages map[PageID][]byte) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendFramesLocked(pages)
}

func (w *WAL) appendFramesLocked(pages map[PageID][]byte) ([]uint64, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	ids := make([]PageID, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	// ordre déterministe : croissant par PageID
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}

	lsns := make([]uint64, 0, len(ids))
	buf := make([]byte, 0, len(ids)*(walFrameHeaderSize+w.pageSize))

	for _, id := range ids {
		page := pages[id]
		lsn := w.nextLSN
		w.nextLSN++
		lsns = append(lsns, lsn)

		payloadCRC := crc32.ChecksumIEEE(page)

		var hdr [walFrameHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[0:], lsn)
		binary.LittleEndian.PutUint64(hdr[8:], uint64(id))
		binary.LittleEndian.PutUint64(hdr[16:], w.lastChainCRC)
		binary.LittleEndian.PutUint32(hdr[24:], payloadCRC)
		headerCRC := crc32.ChecksumIEEE(hdr[:28])
		binary.LittleEndian.PutUint32(hdr[28:], headerCRC)

		buf = append(buf, hdr[:]...)
		buf = append(buf, page...)

		w.lastHeaderCRC = headerCRC
		w.lastFrameSize = walFrameHeaderSize + len(page)
		w.lastChainCRC = chainCRC(headerCRC, w.lastFrameSize)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, NewError(KindIo, "wal.append_frames", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return nil, NewError(KindIo, "wal.append_frames", err)
	}
	return lsns, nil
}

// Commit applique la politique de fsync configurée après un lot de frames déjà ajouté.
// Avec GroupCommit, l'appel coalesce avec d'autres committers concurrents dans une
// fenêtre bornée.
func (w *WAL) Commit() error {
	switch w.syncMode {
	case SyncOff:
		return nil
	case SyncGroupCommit:
		return w.group.join()
	default: // Full, Normal — fsync à chaque commit dans les deux cas
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := w.file.Sync(); err != nil {
			return NewError(KindIo, "wal.commit", err)
		}
		return nil
	}
}

func (w *WAL) syncNow() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return NewError(KindIo, "wal.sync", err)
	}
	return nil
}

// Truncate vide le WAL après un checkpoint réussi et réécrit l'en-tête avec le nouveau
// start_lsn ; le salt existant est conservé.
func (w *WAL) Truncate(startLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(walHeaderSize); err != nil {
		return NewError(KindIo, "wal.truncate", err)
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return NewError(KindIo, "wal.truncate", err)
	}
	w.nextLSN = startLSN
	w.lastHeaderCRC = 0
	w.lastFrameSize = 0
	w.lastChainCRC = chainCRC(0, 0)
	if err := w.writeHeaderLocked(startLSN); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return NewError(KindIo, "wal.truncate", err)
	}
	return nil
}

// Replay lit les frames dont le LSN est strictement supérieur à fromLSN, dans l'ordre
// croissant, et appelle fn pour chacun. L'itération s'arrête proprement — sans jamais
// paniquer — dès que la chaîne casse, que le CRC échoue ou que l'EOF est atteint
// (propriété testable 3, contrat de §4.4).
func (w *WAL) Replay(fromLSN uint64, fn func(Frame) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := int64(walHeaderSize)
	chain := chainCRC(0, 0)
	hdrBuf := make([]byte, walFrameHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if (err != nil && err != io.EOF) || n < walFrameHeaderSize {
			break
		}

		frameLSN := binary.LittleEndian.Uint64(hdrBuf[0:])
		pageID := PageID(binary.LittleEndian.Uint64(hdrBuf[8:]))
		prevChainCRC := binary.LittleEndian.Uint64(hdrBuf[16:])
		payloadCRC := binary.LittleEndian.Uint32(hdrBuf[24:])
		storedHeaderCRC := binary.LittleEndian.Uint32(hdrBuf[28:])

		if prevChainCRC != chain {
			break // chaîne rompue : queue tronquée ou corrompue, arrêt propre
		}
		if crc32.ChecksumIEEE(hdrBuf[:28]) != storedHeaderCRC {
			break
		}

		pageBuf := make([]byte, w.pageSize)
		n, err = w.file.ReadAt(pageBuf, offset+int64(walFrameHeaderSize))
		if (err != nil && err != io.EOF) || n < w.pageSize {
			break // image de page incomplète (écriture interrompue)
		}
		if crc32.ChecksumIEEE(pageBuf) != payloadCRC {
			break
		}

		frameSize := walFrameHeaderSize + w.pageSize
		chain = chainCRC(storedHeaderCRC, frameSize)
		offset += int64(frameSize)

		if frameLSN > fromLSN {
			if err := fn(Frame{LSN: frameLSN, PageID: pageID, Page: pageBuf}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Size retourne la taille actuelle du fichier WAL en octets (utilisé pour la pression
// de retour : max_wal_size_mb déclenche un checkpoint, voire bloque les commits).
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, NewError(KindIo, "wal.size", err)
	}
	return info.Size(), nil
}

func (w *WAL) writeHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(1)
}

func (w *WAL) writeHeaderLocked(startLSN uint64) error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], walFormatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(w.pageSize))
	binary.LittleEndian.PutUint64(hdr[12:20], w.salt)
	binary.LittleEndian.PutUint64(hdr[20:28], startLSN)
	sum := crc32.ChecksumIEEE(hdr[:28])
	binary.LittleEndian.PutUint32(hdr[28:32], sum)
	_, err := w.file.WriteAt(hdr[:], 0)
	if err != nil {
		return NewError(KindIo, "wal.write_header", err)
	}
	return nil
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return NewError(KindIo, "wal.read_header", err)
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return NewError(KindCorruption, "wal.read_header", errWALMagic)
	}
	if crc32.ChecksumIEEE(hdr[:28]) != binary.LittleEndian.Uint32(hdr[28:32]) {
		return NewError(KindCorruption, "wal.read_header", errWALHeaderCRC)
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != walFormatVersion {
		return NewError(KindCorruption, "wal.read_header", fmt.Errorf("unsupported WAL format version %d", version))
	}
	w.pageSize = int(binary.LittleEndian.Uint32(hdr[8:12]))
	w.salt = binary.LittleEndian.Uint64(hdr[12:20])
	w.nextLSN = binary.LittleEndian.Uint64(hdr[20:28])
	return nil
}

// loadTail rejoue la chaîne existante pour retrouver le dernier CRC d'en-tête, le
// dernier nextLSN et recalculer lastChainCRC — nécessaire pour reprendre l'ajout de
// nouveaux frames après une réouverture.
func (w *WAL) loadTail() error {
	w.lastChainCRC = chainCRC(0, 0)
	offset := int64(walHeaderSize)
	hdrBuf := make([]byte, walFrameHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if (err != nil && err != io.EOF) || n < walFrameHeaderSize {
			break
		}
		frameLSN := binary.LittleEndian.Uint64(hdrBuf[0:])
		prevChainCRC := binary.LittleEndian.Uint64(hdrBuf[16:])
		storedHeaderCRC := binary.LittleEndian.Uint32(hdrBuf[28:])

		if prevChainCRC != w.lastChainCRC {
			break
		}
		if crc32.ChecksumIEEE(hdrBuf[:28]) != storedHeaderCRC {
			break
		}

		// vérifier aussi que l'image de page est complète
		pageProbe := make([]byte, w.pageSize)
		n, err = w.file.ReadAt(pageProbe, offset+int64(walFrameHeaderSize))
		if (err != nil && err != io.EOF) || n < w.pageSize {
			break
		}

		frameSize := walFrameHeaderSize + w.pageSize
		w.lastHeaderCRC = storedHeaderCRC
		w.lastFrameSize = frameSize
		w.lastChainCRC = chainCRC(storedHeaderCRC, frameSize)
		offset += int64(frameSize)
		if frameLSN >= w.nextLSN {
			w.nextLSN = frameLSN + 1
		}
	}
	return nil
}

var (
	errWALMagic     = simpleErr("invalid WAL magic number")
	errWALHeaderCRC = simpleErr("WAL file header CRC mismatch")
)

// groupCommitCoordinator regroupe les committers concurrents : chacun dépose un
// ticket et attend qu'un unique fsync couvrant la fenêtre bornée les libère tous.
type groupCommitCoordinator struct {
	wal     *WAL
	timeout time.Duration

	mu      sync.Mutex
	pending []chan error
	timer   *time.Timer
}

func newGroupCommitCoordinator(w *WAL, timeout time.Duration) *groupCommitCoordinator {
	if timeout <= 0 {
		timeout = 5 * time.Millisecond
	}
	return &groupCommitCoordinator{wal: w, timeout: timeout}
}

func (g *groupCommitCoordinator) join() error {
	done := make(chan error, 1)

	g.mu.Lock()
	g.pending = append(g.pending, done)
	first := len(g.pending) == 1
	if first {
		g.timer = time.AfterFunc(g.timeout, g.flush)
	}
	g.mu.Unlock()

	return <-done
}

func (g *groupCommitCoordinator) flush() {
	g.mu.Lock()
	tickets := g.pending
	g.pending = nil
	g.timer = nil
	g.mu.Unlock()

	if len(tickets) == 0 {
		return
	}
	err := g.wal.syncNow()
	for _, t := range tickets {
		t <- err
		close(t)
	}
}
