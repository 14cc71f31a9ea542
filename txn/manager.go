// Package txn implémente le gestionnaire de transactions de §4.9 : begin_read /
// begin_write, le cycle commit/rollback, et l'application des limites de taille et de
// délai de transaction au-dessus du pager et du verrou d'instance.
package txn

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/maskdotdev/sombra/concurrency"
	"github.com/maskdotdev/sombra/graph"
	"github.com/maskdotdev/sombra/storage"
)

// Manager coordonne le verrou d'instance, le pager et le magasin de graphe pour
// produire des transactions de lecture et d'écriture cohérentes avec §4.9/§5.
type Manager struct {
	pager   *storage.Pager
	store   *graph.Store
	lock    *concurrency.DatabaseLock
	log     zerolog.Logger
	timeout time.Duration
}

// NewManager construit un gestionnaire de transactions au-dessus d'un pager et d'un
// magasin de graphe déjà ouverts.
func NewManager(pager *storage.Pager, store *graph.Store, lock *concurrency.DatabaseLock, timeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{pager: pager, store: store, lock: lock, timeout: timeout, log: log}
}

// ReadTxn est une transaction en lecture seule : elle ne fait qu'épingler le verrou
// partagé pour la durée du scope, le pager garantissant déjà que les lecteurs ne
// voient jamais de pages sales non commises.
type ReadTxn struct {
	store   *graph.Store
	release func()
	done    bool
}

// Store expose le magasin de graphe en lecture seule.
func (r *ReadTxn) Store() *graph.Store { return r.store }

// End libère le verrou partagé — idempotent.
func (r *ReadTxn) End() {
	if r.done {
		return
	}
	r.done = true
	r.release()
}

// BeginRead acquiert le verrou partagé et retourne une transaction de lecture voyant
// l'état committé au moment de l'appel. Échoue seulement avec LockPoisoned.
func (m *Manager) BeginRead() (*ReadTxn, error) {
	release, err := m.lock.AcquireRead()
	if err != nil {
		return nil, err
	}
	return &ReadTxn{store: m.store, release: release}, nil
}

// WriteTxn est une transaction d'écriture exclusive. Toutes les mutations passent par
// le Store fourni, qui délègue au pager déjà placé en mode transaction par BeginWrite.
type WriteTxn struct {
	mgr      *Manager
	release  func()
	deadline time.Time
	hasDL    bool
	done     bool
}

// Store expose le magasin de graphe pour les opérations de mutation de la transaction.
func (w *WriteTxn) Store() *graph.Store { return w.mgr.store }

// checkDeadline fait échouer l'opération suivante avec Timeout si transaction_timeout_ms
// est dépassé (§4.9/§5).
func (w *WriteTxn) checkDeadline() error {
	if w.done {
		return storage.NewError(storage.KindTransactionState, "txn.write", errAlreadyDone)
	}
	if w.hasDL && time.Now().After(w.deadline) {
		return storage.NewError(storage.KindTimeout, "txn.write", nil)
	}
	return nil
}

// BeginWrite acquiert le verrou exclusif (en respectant le délai configuré s'il y en a
// un) et ouvre une transaction d'écriture sur le pager.
func (m *Manager) BeginWrite() (*WriteTxn, error) {
	var release func()
	var err error
	if m.timeout > 0 {
		release, err = m.lock.AcquireWriteTimeout(m.timeout)
	} else {
		release, err = m.lock.AcquireWrite()
	}
	if err != nil {
		return nil, err
	}
	if err := m.pager.BeginWriteTx(); err != nil {
		release()
		return nil, err
	}
	m.store.BeginTxJournal()
	w := &WriteTxn{mgr: m, release: release}
	if m.timeout > 0 {
		w.hasDL = true
		w.deadline = time.Now().Add(m.timeout)
	}
	return w, nil
}

// Commit assigne le prochain LSN, émet les frames WAL et rend les pages visibles aux
// lecteurs, puis relâche le verrou exclusif. En cas d'échec, la transaction est
// annulée et ses effets en mémoire sont défaits avant que l'erreur ne soit remontée.
func (w *WriteTxn) Commit() (uint64, error) {
	if err := w.checkDeadline(); err != nil {
		if !w.done {
			_ = w.Rollback()
		}
		return 0, err
	}
	lsn, err := w.mgr.pager.CommitWriteTx()
	w.done = true
	if err != nil {
		_ = w.mgr.pager.RollbackWriteTx()
		w.mgr.store.RollbackTxJournal()
		w.release()
		return 0, err
	}
	w.mgr.store.CommitTxJournal()
	w.release()
	if w.mgr.pager.ShouldCheckpoint() {
		if cerr := w.mgr.pager.Checkpoint(w.mgr.store.Serializer()); cerr != nil {
			w.mgr.log.Warn().Err(cerr).Msg("auto-checkpoint échoué après commit")
		}
	}
	return lsn, nil
}

// Rollback jette toutes les modifications en mémoire et relâche le verrou — idempotent
// après Commit/Rollback.
func (w *WriteTxn) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.mgr.pager.RollbackWriteTx()
	w.mgr.store.RollbackTxJournal()
	w.release()
	return err
}

// WithWrite exécute fn à l'intérieur d'une transaction d'écriture : commit si fn
// réussit, rollback sinon (ou si fn panique, auquel cas la transaction est annulée puis
// le verrou est empoisonné via Poison avant que la panique ne soit repropagée).
func (m *Manager) WithWrite(fn func(*WriteTxn) error) (uint64, error) {
	w, err := m.BeginWrite()
	if err != nil {
		return 0, err
	}
	var lsn uint64
	err = func() (ferr error) {
		defer func() {
			if r := recover(); r != nil {
				_ = w.Rollback()
				m.lock.Poison()
				panic(r)
			}
		}()
		if ferr = fn(w); ferr != nil {
			return ferr
		}
		lsn, ferr = w.Commit()
		return ferr
	}()
	if err != nil {
		_ = w.Rollback()
		return 0, err
	}
	return lsn, nil
}

var errAlreadyDone = simpleErr("transaction already committed or rolled back")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
