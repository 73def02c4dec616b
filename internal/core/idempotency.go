package core

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the Postgres-backed second dedup tier.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates events with a bounded in-memory LRU in
// front of an optional database lookup. A key found only in the database is
// promoted into the LRU so the cold path is paid once per key.
// Not thread-safe; owned by the core goroutine.
type IdempotencyChecker struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front = most recently seen

	db DBIdempotencyChecker

	dbErrors  int64
	evictions int64
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		db:       db,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether the event has already been processed.
// A database error is treated as "not a duplicate": the persistence layer's
// ON CONFLICT DO NOTHING absorbs a rare re-apply, while stalling the core on
// a flaky lookup would stop the whole pipeline.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.touch(key) {
		return true
	}

	if ic.db == nil {
		return false
	}
	dup, err := ic.db.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		ic.dbErrors++
		return false
	}
	if dup {
		ic.remember(key)
	}
	return dup
}

// MarkProcessed records a key after its event has been applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.remember(compositeKey(eventType, idempotencyKey))
}

// Warm preloads composite keys, typically from a snapshot, so replayed
// events skip the database lookup. Keys are expected oldest-first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.remember(key)
	}
}

// Keys returns every cached composite key, oldest first, so that
// Warm(Keys()) reconstructs the same recency order.
func (ic *IdempotencyChecker) Keys() []string {
	keys := make([]string, 0, ic.order.Len())
	for elem := ic.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.order.Len()
}

// Evictions returns how many keys have aged out of the cache.
func (ic *IdempotencyChecker) Evictions() int64 {
	return ic.evictions
}

// DBErrors returns how many cold-path lookups failed.
func (ic *IdempotencyChecker) DBErrors() int64 {
	return ic.dbErrors
}

// touch promotes an existing key and reports whether it was present.
func (ic *IdempotencyChecker) touch(key string) bool {
	elem, ok := ic.index[key]
	if ok {
		ic.order.MoveToFront(elem)
	}
	return ok
}

func (ic *IdempotencyChecker) remember(key string) {
	if ic.touch(key) {
		return
	}
	ic.index[key] = ic.order.PushFront(key)
	if ic.order.Len() > ic.capacity {
		oldest := ic.order.Back()
		ic.order.Remove(oldest)
		delete(ic.index, oldest.Value.(string))
		ic.evictions++
	}
}
