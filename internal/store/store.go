// internal/store/store.go

// Package store implements the optimistic-concurrency record store. The
// Backend interface is the abstract persistence collaborator: a conditional
// update is a single atomic operation evaluated by the backend, never a
// read-then-write composed here. On predicate failure the backend reports
// the currently stored item so callers can classify the outcome (absent
// record, terminal status, stale lock number) without a second read.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Key identifies a record: identity is the (owner, id) pair, with owner as
// the partition scope.
type Key struct {
	Owner string
	ID    string
}

// Item is one stored record document.
type Item map[string]interface{}

// ErrNotFound is returned by Get when no record exists under the key.
var ErrNotFound = errors.New("record not found")

// ConditionFailedError reports a conditional write whose predicate did not
// hold. Current is the stored item at rejection time, or nil when the record
// does not exist. The write did not mutate state.
type ConditionFailedError struct {
	Current Item
}

func (e *ConditionFailedError) Error() string {
	if e.Current == nil {
		return "conditional write failed: record does not exist"
	}
	return "conditional write failed: predicate did not hold"
}

// Predicate is the condition evaluated atomically with a write.
type Predicate struct {
	// MustExist requires the record to already be present.
	MustExist bool
	// ExpectedLockNumber, when set, requires the stored lock number to be
	// absent (legacy records) or equal to the given value.
	ExpectedLockNumber *int64
	// StatusField names the status attribute the status sets apply to,
	// e.g. "templateStatus" or "status".
	StatusField string
	// AllowedStatuses, when non-empty, requires the stored status to be in
	// the set.
	AllowedStatuses []string
	// ForbiddenStatuses, when non-empty, requires the stored status to be
	// outside the set.
	ForbiddenStatuses []string
	// FieldEquals requires the given stored fields to equal the values.
	FieldEquals map[string]string
}

// Update is an atomic conditional mutation: partial field changes plus the
// predicate guarding them. Field names may be document paths separated by
// dots ("files.pdfTemplate.virusScanStatus").
type Update struct {
	Sets          map[string]interface{}
	Removes       []string
	IncrementLock bool
	Predicate     Predicate
}

// NewUpdate starts an empty update.
func NewUpdate() *Update {
	return &Update{Sets: map[string]interface{}{}}
}

// Set records a field write.
func (u *Update) Set(field string, value interface{}) *Update {
	u.Sets[field] = value
	return u
}

// Remove records a field removal.
func (u *Update) Remove(field string) *Update {
	u.Removes = append(u.Removes, field)
	return u
}

// IncrementLockNumber advances the lock number by 1 as part of the write.
func (u *Update) IncrementLockNumber() *Update {
	u.IncrementLock = true
	return u
}

// ExpectExists requires the record to be present.
func (u *Update) ExpectExists() *Update {
	u.Predicate.MustExist = true
	return u
}

// ExpectLockNumber requires the stored lock number to equal n.
func (u *Update) ExpectLockNumber(n int64) *Update {
	u.Predicate.ExpectedLockNumber = &n
	return u
}

// ExpectStatusIn requires the stored status to be one of the given values.
func (u *Update) ExpectStatusIn(field string, statuses ...string) *Update {
	u.Predicate.StatusField = field
	u.Predicate.AllowedStatuses = append(u.Predicate.AllowedStatuses, statuses...)
	return u
}

// ExpectStatusNotIn requires the stored status to be outside the given set.
func (u *Update) ExpectStatusNotIn(field string, statuses ...string) *Update {
	u.Predicate.StatusField = field
	u.Predicate.ForbiddenStatuses = append(u.Predicate.ForbiddenStatuses, statuses...)
	return u
}

// ExpectFieldEquals requires a stored field to equal value.
func (u *Update) ExpectFieldEquals(field, value string) *Update {
	if u.Predicate.FieldEquals == nil {
		u.Predicate.FieldEquals = map[string]string{}
	}
	u.Predicate.FieldEquals[field] = value
	return u
}

// Filter restricts a Query to records whose fields are in (or out of) the
// given value sets. Backends evaluate filters natively where they can.
type Filter struct {
	FieldIn    map[string][]string
	FieldNotIn map[string][]string
}

// Page is one backend pagination unit. NextToken is empty on the last page.
type Page struct {
	Items     []Item
	NextToken string
}

// Backend is the persistence collaborator contract.
type Backend interface {
	Get(ctx context.Context, table string, key Key) (Item, error)
	Put(ctx context.Context, table string, key Key, item Item, ifNotExists bool) error
	Update(ctx context.Context, table string, key Key, update *Update) (Item, error)
	Query(ctx context.Context, table, owner string, filter Filter, token string) (Page, error)
}

// List drains Query pages into one flat sequence, transparently following
// continuation tokens until exhausted.
func List(ctx context.Context, b Backend, table, owner string, filter Filter) ([]Item, error) {
	var out []Item
	token := ""

	for {
		page, err := b.Query(ctx, table, owner, filter, token)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// MarshalItem converts a typed record into its document form.
func MarshalItem(v interface{}) (Item, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// UnmarshalItem converts a document back into a typed record.
func UnmarshalItem(item Item, v interface{}) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Path returns a nested string field addressed by a dotted path, or ""
// when any step is absent.
func (i Item) Path(field string) string {
	parts := strings.Split(field, ".")
	current := map[string]interface{}(i)
	for _, part := range parts[:len(parts)-1] {
		child, ok := current[part].(map[string]interface{})
		if !ok {
			return ""
		}
		current = child
	}
	s, _ := current[parts[len(parts)-1]].(string)
	return s
}

// String returns a string field from the item, or "" when absent.
func (i Item) String(field string) string {
	if i == nil {
		return ""
	}
	s, _ := i[field].(string)
	return s
}

// LockNumber returns the stored lock number, tolerating the numeric types
// different backends decode into. Missing means 0 (legacy records).
func (i Item) LockNumber() int64 {
	if i == nil {
		return 0
	}
	switch n := i["lockNumber"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		v, _ := n.Int64()
		return v
	}
	return 0
}
