package engine

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 32

// ruleLocks hands out one lock per rule id. Entries are reference counted
// and dropped when the last holder unlocks, so the registry only holds ids
// with a tick in flight. Ids are spread over shards by FNV hash to keep the
// registry maps themselves uncontended; the per-id locks never alias.
type ruleLocks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	held chan struct{} // one slot; holding the lock fills it
	refs int
}

func newRuleLocks() *ruleLocks {
	l := &ruleLocks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*refLock)
	}
	return l
}

func shardFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockShards)
}

// Lock waits until the caller holds id and returns the matching unlock.
// It gives up with ctx's error when ctx is done first.
func (l *ruleLocks) Lock(ctx context.Context, id string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shard := &l.shards[shardFor(id)]

	shard.mu.Lock()
	lock, ok := shard.locks[id]
	if !ok {
		lock = &refLock{held: make(chan struct{}, 1)}
		shard.locks[id] = lock
	}
	lock.refs++
	shard.mu.Unlock()

	select {
	case lock.held <- struct{}{}:
	case <-ctx.Done():
		shard.release(id, lock)
		return nil, ctx.Err()
	}

	return func() {
		<-lock.held
		shard.release(id, lock)
	}, nil
}

func (s *lockShard) release(id string, lock *refLock) {
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}

// Len returns the number of ids currently held or awaited
func (l *ruleLocks) Len() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].locks)
		l.shards[i].mu.Unlock()
	}
	return n
}
