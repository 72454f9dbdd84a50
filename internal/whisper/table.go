package whisper

import "sort"

// table is a fixed-capacity map that refuses inserts when full.
// Nothing is ever evicted to make room.
type table[V any] struct {
	limit int
	items map[string]V
}

func newTable[V any](limit int) *table[V] {
	return &table[V]{limit: limit, items: make(map[string]V, limit)}
}

func (t *table[V]) get(key string) (V, bool) {
	v, ok := t.items[key]
	return v, ok
}

// insert adds or replaces key. Adding a new key to a full table fails
// with ErrCapacityExceeded.
func (t *table[V]) insert(key string, v V) error {
	if _, ok := t.items[key]; !ok && len(t.items) >= t.limit {
		return ErrCapacityExceeded
	}
	t.items[key] = v
	return nil
}

func (t *table[V]) remove(key string) {
	delete(t.items, key)
}

func (t *table[V]) size() int {
	return len(t.items)
}

func (t *table[V]) full() bool {
	return len(t.items) >= t.limit
}

// keys returns the keys in sorted order so iteration is deterministic.
func (t *table[V]) keys() []string {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
