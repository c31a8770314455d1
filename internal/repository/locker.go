package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker serialises handlers that touch the same batch. Unlock must be called
// exactly once after a successful Lock.
type Locker interface {
	Lock(ctx context.Context, batchID uuid.UUID) (unlock func(), err error)
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is a process-local Locker with one lock per batch id.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

// NewKeyedMutex returns an empty in-process Locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uuid.UUID]*keyedLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, batchID uuid.UUID) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[batchID]
	if !ok {
		entry = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[batchID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(batchID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(batchID, entry)
		})
	}, nil
}

func (k *KeyedMutex) release(batchID uuid.UUID, entry *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, batchID)
	}
}

type advisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker returns a Locker backed by Postgres session advisory locks,
// so handlers are exclusive per batch across processes sharing the database.
func NewAdvisoryLocker(pool *pgxpool.Pool) Locker {
	return &advisoryLocker{pool: pool}
}

func (l *advisoryLocker) Lock(ctx context.Context, batchID uuid.UUID) (func(), error) {
	if l.pool == nil {
		return nil, fmt.Errorf("advisory locker not initialized")
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, batchID.String()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The handler context may already be cancelled; unlock regardless.
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, batchID.String()); err != nil {
				// A broken session drops its advisory locks; don't return it to the pool.
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}
