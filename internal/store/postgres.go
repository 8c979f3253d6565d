// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/observability"
)

// pgPageSize bounds one Query page.
const pgPageSize = 500

// PostgresBackend stores each record as a jsonb document alongside
// lock_number and status columns used by conditional writes:
//
//	CREATE TABLE templates (
//	    owner       text        NOT NULL,
//	    id          text        NOT NULL,
//	    lock_number bigint      NOT NULL DEFAULT 0,
//	    status      text        NOT NULL,
//	    doc         jsonb       NOT NULL,
//	    updated_at  timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (owner, id)
//	);
//
// A conditional update is a single UPDATE whose WHERE clause carries the
// predicate, so the compare and the mutation stay atomic.
type PostgresBackend struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresBackend wraps an open database handle.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		tracer: observability.Tracer("store.postgres"),
	}
}

// statusOf pulls the status column value out of a document. Templates carry
// templateStatus, routing configs carry status.
func statusOf(item Item) string {
	if s := item.String("templateStatus"); s != "" {
		return s
	}
	return item.String("status")
}

// Get fetches one record, or ErrNotFound.
func (b *PostgresBackend) Get(ctx context.Context, table string, key Key) (Item, error) {
	ctx, span := b.tracer.Start(ctx, "postgres.Get",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE owner = $1 AND id = $2`,
		pq.QuoteIdentifier(table))

	var raw []byte
	err := b.db.QueryRowContext(ctx, query, key.Owner, key.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", table, err)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("postgres get %s: decode doc: %w", table, err)
	}
	return item, nil
}

// Put writes a full record. With ifNotExists a present key rejects the
// write as ConditionFailedError; otherwise the row is replaced.
func (b *PostgresBackend) Put(ctx context.Context, table string, key Key, item Item, ifNotExists bool) error {
	ctx, span := b.tracer.Start(ctx, "postgres.Put",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("postgres put %s: encode doc: %w", table, err)
	}

	conflict := `DO UPDATE SET doc = EXCLUDED.doc, lock_number = EXCLUDED.lock_number,
		status = EXCLUDED.status, updated_at = now()`
	if ifNotExists {
		conflict = `DO NOTHING`
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (owner, id, lock_number, status, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, id) %s`,
		pq.QuoteIdentifier(table), conflict)

	res, err := b.db.ExecContext(ctx, query,
		key.Owner, key.ID, item.LockNumber(), statusOf(item), doc)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", table, err)
	}

	if ifNotExists {
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres put %s: %w", table, err)
		}
		if affected == 0 {
			current, err := b.Get(ctx, table, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return &ConditionFailedError{Current: current}
		}
	}
	return nil
}

// Update applies a conditional mutation in one UPDATE statement and returns
// the document after the write. When no row matches, the predicate failed
// or the record is absent; the stored item is re-read so the caller can
// tell which.
func (b *PostgresBackend) Update(ctx context.Context, table string, key Key, update *Update) (Item, error) {
	ctx, span := b.tracer.Start(ctx, "postgres.Update",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	query, args, err := buildPostgresUpdate(table, key, update)
	if err != nil {
		return nil, fmt.Errorf("postgres update %s: %w", table, err)
	}

	var raw []byte
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := b.Get(ctx, table, key)
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return nil, getErr
		}
		return nil, &ConditionFailedError{Current: current}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres update %s: %w", table, err)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("postgres update %s: decode doc: %w", table, err)
	}
	return item, nil
}

func buildPostgresUpdate(table string, key Key, update *Update) (string, []interface{}, error) {
	args := []interface{}{key.Owner, key.ID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// Build the new document expression inside out: top-level merges first,
	// then path sets, then removals, then the lock-number bump.
	docExpr := "doc"

	patch := map[string]interface{}{}
	for field, value := range update.Sets {
		if !strings.Contains(field, ".") {
			patch[field] = value
		}
	}
	if len(patch) > 0 {
		raw, err := json.Marshal(patch)
		if err != nil {
			return "", nil, fmt.Errorf("encode patch: %w", err)
		}
		docExpr = fmt.Sprintf("(%s || %s::jsonb)", docExpr, arg(raw))
	}

	for field, value := range update.Sets {
		if !strings.Contains(field, ".") {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return "", nil, fmt.Errorf("encode patch field %s: %w", field, err)
		}
		path := pq.Array(strings.Split(field, "."))
		docExpr = fmt.Sprintf("jsonb_set(%s, %s::text[], %s::jsonb, true)",
			docExpr, arg(path), arg(raw))
	}

	for _, field := range update.Removes {
		path := pq.Array(strings.Split(field, "."))
		docExpr = fmt.Sprintf("(%s #- %s::text[])", docExpr, arg(path))
	}

	sets := []string{"updated_at = now()"}
	if update.IncrementLock {
		docExpr = fmt.Sprintf(
			"jsonb_set(%s, '{lockNumber}', to_jsonb(lock_number + 1), true)", docExpr)
		sets = append(sets, "lock_number = lock_number + 1")
	}
	sets = append(sets, "doc = "+docExpr)

	// The status column mirrors the document's status field so predicates
	// and query filters stay on indexed columns.
	for _, statusField := range []string{"templateStatus", "status"} {
		if v, ok := update.Sets[statusField]; ok {
			sets = append(sets, "status = "+arg(fmt.Sprintf("%v", v)))
			break
		}
	}

	where := []string{"owner = $1", "id = $2"}
	p := update.Predicate
	if p.ExpectedLockNumber != nil {
		where = append(where, "lock_number = "+arg(*p.ExpectedLockNumber))
	}
	if len(p.AllowedStatuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(p.AllowedStatuses))+")")
	}
	if len(p.ForbiddenStatuses) > 0 {
		where = append(where, "NOT (status = ANY("+arg(pq.Array(p.ForbiddenStatuses))+"))")
	}
	for field, value := range p.FieldEquals {
		path := pq.Array(strings.Split(field, "."))
		where = append(where, fmt.Sprintf("doc #>> %s::text[] = %s", arg(path), arg(value)))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s RETURNING doc`,
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), strings.Join(where, " AND "))
	return query, args, nil
}

// Query pages through one owner's records ordered by id. The continuation
// token is the last id seen, wrapped opaquely.
func (b *PostgresBackend) Query(ctx context.Context, table, owner string, filter Filter, token string) (Page, error) {
	ctx, span := b.tracer.Start(ctx, "postgres.Query",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	args := []interface{}{owner}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"owner = $1"}
	for field, values := range filter.FieldIn {
		if len(values) > 0 {
			where = append(where, fmt.Sprintf("doc->>%s = ANY(%s)",
				arg(field), arg(pq.Array(values))))
		}
	}
	for field, values := range filter.FieldNotIn {
		if len(values) > 0 {
			where = append(where, fmt.Sprintf("NOT (doc->>%s = ANY(%s))",
				arg(field), arg(pq.Array(values))))
		}
	}
	if token != "" {
		lastID, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return Page{}, fmt.Errorf("postgres query %s: decode page token: %w", table, err)
		}
		where = append(where, "id > "+arg(string(lastID)))
	}

	query := fmt.Sprintf(`SELECT id, doc FROM %s WHERE %s ORDER BY id LIMIT %d`,
		pq.QuoteIdentifier(table), strings.Join(where, " AND "), pgPageSize)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("postgres query %s: %w", table, err)
	}
	defer rows.Close()

	var page Page
	var lastID string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&lastID, &raw); err != nil {
			return Page{}, fmt.Errorf("postgres query %s: %w", table, err)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return Page{}, fmt.Errorf("postgres query %s: decode doc: %w", table, err)
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("postgres query %s: %w", table, err)
	}

	if len(page.Items) == pgPageSize {
		page.NextToken = base64.RawURLEncoding.EncodeToString([]byte(lastID))
	}
	return page, nil
}
