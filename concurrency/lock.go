// Package concurrency fournit le verrou lecteurs/écrivain au niveau instance qui arbitre
// entre lecteurs, écrivain unique et checkpointer (§5).
package concurrency

import (
	"sync"
	"time"

	"github.com/maskdotdev/sombra/storage"
)

// DatabaseLock est le verrou reader-writer process-local de la base : plusieurs
// lecteurs concourants, un seul écrivain exclusif vis-à-vis des autres écrivains et du
// checkpointer. Un panic côté écrivain empoisonne le verrou (§5 "Lock poisoning") :
// toute acquisition ultérieure échoue avec LockPoisoned jusqu'à réouverture de la base.
type DatabaseLock struct {
	mu       sync.RWMutex
	poisoned bool
	poisonMu sync.Mutex
}

// NewDatabaseLock crée un verrou sain.
func NewDatabaseLock() *DatabaseLock {
	return &DatabaseLock{}
}

// Poisoned indique si une panique antérieure a laissé le verrou empoisonné.
func (l *DatabaseLock) Poisoned() bool {
	l.poisonMu.Lock()
	defer l.poisonMu.Unlock()
	return l.poisoned
}

// Poison marque le verrou comme empoisonné ; seule une réouverture de la base (qui
// rejoue le WAL) peut le lever.
func (l *DatabaseLock) Poison() {
	l.poisonMu.Lock()
	l.poisoned = true
	l.poisonMu.Unlock()
}

// AcquireRead prend le verrou partagé des lecteurs. Échoue uniquement avec
// LockPoisoned si un écrivain a paniqué précédemment.
func (l *DatabaseLock) AcquireRead() (func(), error) {
	if l.Poisoned() {
		return nil, storage.NewError(storage.KindLockPoisoned, "lock.acquire_read", nil)
	}
	l.mu.RLock()
	return l.mu.RUnlock, nil
}

// AcquireWrite prend le verrou exclusif des écrivains (et du checkpointer, qui utilise
// la même primitive pour bloquer les nouveaux écrivains pendant sa phase exclusive).
// Si la fonction release retournée est appelée après une panique ayant traversé le
// scope protégé par ce verrou, l'appelant doit appeler Poison avant de relâcher —
// voir WithWriteLock pour le chemin recommandé qui gère cela automatiquement.
func (l *DatabaseLock) AcquireWrite() (func(), error) {
	if l.Poisoned() {
		return nil, storage.NewError(storage.KindLockPoisoned, "lock.acquire_write", nil)
	}
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// AcquireWriteTimeout prend le verrou exclusif en échouant avec Timeout si le délai
// expire avant l'acquisition (transaction_timeout_ms, §4.9/§5).
func (l *DatabaseLock) AcquireWriteTimeout(timeout time.Duration) (func(), error) {
	if l.Poisoned() {
		return nil, storage.NewError(storage.KindLockPoisoned, "lock.acquire_write", nil)
	}
	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return l.mu.Unlock, nil
	case <-time.After(timeout):
		// la goroutine reste bloquée sur Lock() et prendra le verrou plus tard ; on ne
		// peut pas annuler une acquisition sync.Mutex en vol, donc on signale un
		// Timeout à l'appelant qui doit abandonner l'opération — le verrou sera
		// relâché normalement une fois obtenu puisque rien ne l'utilisera.
		go func() { <-done; l.mu.Unlock() }()
		return nil, storage.NewError(storage.KindTimeout, "lock.acquire_write", nil)
	}
}

// WithWriteLock exécute fn sous le verrou exclusif et empoisonne le verrou si fn
// panique, avant de repropager la panique à l'appelant — c'est le chemin recommandé
// pour toute transaction d'écriture et pour le checkpointer.
func (l *DatabaseLock) WithWriteLock(fn func() error) error {
	release, err := l.AcquireWrite()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.Poison()
			release()
			panic(r)
		}
	}()
	err = fn()
	release()
	return err
}

// WithReadLock exécute fn sous le verrou partagé des lecteurs.
func (l *DatabaseLock) WithReadLock(fn func() error) error {
	release, err := l.AcquireRead()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Reset lève l'empoisonnement. Open/OpenWithConfig ne l'appellent pas : chaque
// ouverture crée un DatabaseLock neuf, donc non empoisonné.
func (l *DatabaseLock) Reset() {
	l.poisonMu.Lock()
	l.poisoned = false
	l.poisonMu.Unlock()
}
