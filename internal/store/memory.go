// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend with the same conditional-write
// semantics as the real ones. It backs repository tests and local runs.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[Key]Item
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]map[Key]Item)}
}

func (b *MemoryBackend) table(name string) map[Key]Item {
	t, ok := b.tables[name]
	if !ok {
		t = make(map[Key]Item)
		b.tables[name] = t
	}
	return t
}

// copyItem isolates stored state from caller mutation.
func copyItem(item Item) Item {
	if item == nil {
		return nil
	}
	out, err := MarshalItem(item)
	if err != nil {
		panic("memory backend: copy item: " + err.Error())
	}
	return out
}

// Get fetches one record, or ErrNotFound.
func (b *MemoryBackend) Get(ctx context.Context, table string, key Key) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.table(table)[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

// Put writes a full record, honouring ifNotExists.
func (b *MemoryBackend) Put(ctx context.Context, table string, key Key, item Item, ifNotExists bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.table(table)
	if current, ok := t[key]; ok && ifNotExists {
		return &ConditionFailedError{Current: copyItem(current)}
	}

	stored := copyItem(item)
	stored["owner"] = key.Owner
	stored["id"] = key.ID
	t[key] = stored
	return nil
}

// Update evaluates the predicate and applies the mutation under one lock,
// so concurrent writers observe the same atomicity as a real backend.
func (b *MemoryBackend) Update(ctx context.Context, table string, key Key, update *Update) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.table(table)
	current, exists := t[key]

	if !predicateHolds(update.Predicate, current, exists) {
		if !exists {
			return nil, &ConditionFailedError{}
		}
		return nil, &ConditionFailedError{Current: copyItem(current)}
	}

	var next Item
	if exists {
		next = copyItem(current)
	} else {
		next = Item{"owner": key.Owner, "id": key.ID}
	}
	for field, value := range update.Sets {
		setPath(next, field, value)
	}
	for _, field := range update.Removes {
		removePath(next, field)
	}
	if update.IncrementLock {
		next["lockNumber"] = next.LockNumber() + 1
	}

	t[key] = next
	return copyItem(next), nil
}

func predicateHolds(p Predicate, current Item, exists bool) bool {
	mustExist := p.MustExist || p.ExpectedLockNumber != nil ||
		len(p.AllowedStatuses) > 0 || len(p.ForbiddenStatuses) > 0 || len(p.FieldEquals) > 0
	if !exists {
		return !mustExist
	}

	if p.ExpectedLockNumber != nil {
		if _, present := current["lockNumber"]; present && current.LockNumber() != *p.ExpectedLockNumber {
			return false
		}
	}
	if len(p.AllowedStatuses) > 0 && !contains(p.AllowedStatuses, current.String(p.StatusField)) {
		return false
	}
	if len(p.ForbiddenStatuses) > 0 && contains(p.ForbiddenStatuses, current.String(p.StatusField)) {
		return false
	}
	for field, value := range p.FieldEquals {
		if current.Path(field) != value {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func setPath(item Item, field string, value interface{}) {
	parts := strings.Split(field, ".")
	m := map[string]interface{}(item)
	for _, part := range parts[:len(parts)-1] {
		child, ok := m[part].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			m[part] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

func removePath(item Item, field string) {
	parts := strings.Split(field, ".")
	m := map[string]interface{}(item)
	for _, part := range parts[:len(parts)-1] {
		child, ok := m[part].(map[string]interface{})
		if !ok {
			return
		}
		m = child
	}
	delete(m, parts[len(parts)-1])
}

// Query returns the owner's records in id order as a single page.
func (b *MemoryBackend) Query(ctx context.Context, table, owner string, filter Filter, token string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var items []Item
	for key, item := range b.table(table) {
		if key.Owner != owner {
			continue
		}
		if !filterMatches(filter, item) {
			continue
		}
		items = append(items, copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].String("id") < items[j].String("id")
	})
	return Page{Items: items}, nil
}

func filterMatches(filter Filter, item Item) bool {
	for field, values := range filter.FieldIn {
		if len(values) > 0 && !contains(values, item.String(field)) {
			return false
		}
	}
	for field, values := range filter.FieldNotIn {
		if len(values) > 0 && contains(values, item.String(field)) {
			return false
		}
	}
	return true
}
