// Package postgres implements the subscription store on PostgreSQL through
// database/sql. Transactions travel in the context (pkg/platform/tx) so every
// method joins the caller's transaction when there is one.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	"orchestrator/pkg/platform/sentinel"
	txcontext "orchestrator/pkg/platform/tx"
)

//go:embed schema.sql
var schemaSQL string

// Tables lists the tables Migrate creates, children first.
var Tables = []string{"instance_relations", "instance_values", "instances", "subscriptions"}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, s.db, fn)
}

const subscriptionColumns = `id, product_ref, status, description, customer_id, insync, note, start_date, end_date, fixed_inputs`

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*store.SubscriptionRow, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, uuid.UUID(subID))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", subID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row *sql.Row) (*store.SubscriptionRow, error) {
	var (
		rawID      uuid.UUID
		status     string
		start, end sql.NullTime
		inputs     []byte
		sub        store.SubscriptionRow
	)
	if err := row.Scan(&rawID, &sub.ProductRef, &status, &sub.Description, &sub.CustomerID,
		&sub.Insync, &sub.Note, &start, &end, &inputs); err != nil {
		return nil, err
	}
	sub.ID = id.SubscriptionID(rawID)
	sub.Status = lifecycle.Status(status)
	sub.StartDate = utcPtr(start)
	sub.EndDate = utcPtr(end)
	if err := json.Unmarshal(inputs, &sub.FixedInputs); err != nil {
		return nil, fmt.Errorf("decode fixed inputs: %w", sentinel.ErrInvalidState)
	}
	return &sub, nil
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *Store) UpsertSubscription(ctx context.Context, row store.SubscriptionRow) error {
	inputs := row.FixedInputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode fixed inputs: %w", err)
	}
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			product_ref = EXCLUDED.product_ref,
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			customer_id = EXCLUDED.customer_id,
			insync = EXCLUDED.insync,
			note = EXCLUDED.note,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			fixed_inputs = EXCLUDED.fixed_inputs
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(row.ID), row.ProductRef, string(row.Status), row.Description, row.CustomerID,
		row.Insync, row.Note, row.StartDate, row.EndDate, payload)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error) {
	rows, err := s.GetInstances(ctx, []id.InstanceID{instanceID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("instance %s: %w", instanceID, sentinel.ErrNotFound)
	}
	return &rows[0], nil
}

func (s *Store) GetInstances(ctx context.Context, ids []id.InstanceID) ([]store.InstanceRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, type_name, owner_subscription_id, label FROM instances WHERE id = ANY($1::uuid[])`,
		pq.Array(idStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("get instances: %w", err)
	}
	return scanInstances(rows)
}

func (s *Store) ListOwnedInstances(ctx context.Context, owner id.SubscriptionID) ([]store.InstanceRow, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, type_name, owner_subscription_id, label FROM instances WHERE owner_subscription_id = $1`,
		uuid.UUID(owner))
	if err != nil {
		return nil, fmt.Errorf("list owned instances: %w", err)
	}
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]store.InstanceRow, error) {
	defer rows.Close()
	var out []store.InstanceRow
	for rows.Next() {
		var instanceID, owner uuid.UUID
		var row store.InstanceRow
		if err := rows.Scan(&instanceID, &row.TypeName, &owner, &row.Label); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		row.ID = id.InstanceID(instanceID)
		row.OwnerID = id.SubscriptionID(owner)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertInstance(ctx context.Context, row store.InstanceRow) error {
	query := `
		INSERT INTO instances (id, type_name, owner_subscription_id, label)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			type_name = EXCLUDED.type_name,
			owner_subscription_id = EXCLUDED.owner_subscription_id,
			label = EXCLUDED.label
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(row.ID), row.TypeName, uuid.UUID(row.OwnerID), row.Label)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

func (s *Store) DeleteInstances(ctx context.Context, ids []id.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	arg := pq.Array(idStrings(ids))
	exec := s.execer(ctx)
	if _, err := exec.ExecContext(ctx, `DELETE FROM instance_relations WHERE parent_id = ANY($1::uuid[])`, arg); err != nil {
		return fmt.Errorf("delete instance relations: %w", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM instances WHERE id = ANY($1::uuid[])`, arg); err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	return nil
}

func (s *Store) ListValues(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, instance_id, field_name, value_text, order_index
		FROM instance_values WHERE instance_id = $1`, uuid.UUID(instanceID))
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	out, err := scanValues(rows)
	if err != nil {
		return nil, err
	}
	store.SortValues(out)
	return out, nil
}

func scanValues(rows *sql.Rows) ([]store.ValueRow, error) {
	defer rows.Close()
	var out []store.ValueRow
	for rows.Next() {
		var instanceID uuid.UUID
		var index sql.NullInt64
		var row store.ValueRow
		if err := rows.Scan(&row.ID, &instanceID, &row.Field, &row.Value, &index); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		row.InstanceID = id.InstanceID(instanceID)
		row.Index = intPtr(index)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertValues(ctx context.Context, rows []store.ValueRow) error {
	query := `
		INSERT INTO instance_values (id, instance_id, field_name, value_text, order_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			field_name = EXCLUDED.field_name,
			value_text = EXCLUDED.value_text,
			order_index = EXCLUDED.order_index
	`
	exec := s.execer(ctx)
	for _, row := range rows {
		if _, err := exec.ExecContext(ctx, query,
			row.ID, uuid.UUID(row.InstanceID), row.Field, row.Value, nullInt(row.Index)); err != nil {
			return fmt.Errorf("upsert value %s: %w", row.Field, err)
		}
	}
	return nil
}

func (s *Store) DeleteValues(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, v := range ids {
		strs[i] = v.String()
	}
	if _, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM instance_values WHERE id = ANY($1::uuid[])`, pq.Array(strs)); err != nil {
		return fmt.Errorf("delete values: %w", err)
	}
	return nil
}

const relationColumns = `parent_id, child_id, order_index, field_tag`

func (s *Store) ListChildRelations(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+relationColumns+` FROM instance_relations WHERE parent_id = $1`, uuid.UUID(parentID))
	if err != nil {
		return nil, fmt.Errorf("list child relations: %w", err)
	}
	out, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}
	store.SortRelations(out)
	return out, nil
}

func (s *Store) ListParentRelations(ctx context.Context, childID id.InstanceID) ([]store.RelationRow, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+relationColumns+` FROM instance_relations WHERE child_id = $1`, uuid.UUID(childID))
	if err != nil {
		return nil, fmt.Errorf("list parent relations: %w", err)
	}
	return scanRelations(rows)
}

func scanRelations(rows *sql.Rows) ([]store.RelationRow, error) {
	defer rows.Close()
	var out []store.RelationRow
	for rows.Next() {
		var parent, child uuid.UUID
		var index sql.NullInt64
		var tag sql.NullString
		if err := rows.Scan(&parent, &child, &index, &tag); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, store.RelationRow{
			ParentID: id.InstanceID(parent),
			ChildID:  id.InstanceID(child),
			Index:    intPtr(index),
			Tag:      tag.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return out, nil
}

func (s *Store) ReplaceChildRelations(ctx context.Context, parentID id.InstanceID, rels []store.RelationRow) error {
	exec := s.execer(ctx)
	if _, err := exec.ExecContext(ctx,
		`DELETE FROM instance_relations WHERE parent_id = $1`, uuid.UUID(parentID)); err != nil {
		return fmt.Errorf("clear child relations: %w", err)
	}
	for _, rel := range rels {
		var tag sql.NullString
		if rel.Tag != "" {
			tag = sql.NullString{String: rel.Tag, Valid: true}
		}
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO instance_relations (`+relationColumns+`) VALUES ($1, $2, $3, $4)`,
			uuid.UUID(parentID), uuid.UUID(rel.ChildID), nullInt(rel.Index), tag); err != nil {
			return fmt.Errorf("insert child relation: %w", err)
		}
	}
	return nil
}

// FetchTree walks the relation graph from the subscription with one recursive
// query, then loads the reached instances and their values.
func (s *Store) FetchTree(ctx context.Context, subID id.SubscriptionID) (*store.Tree, error) {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	tree := &store.Tree{
		Subscription: *sub,
		Instances:    map[id.InstanceID]store.InstanceRow{},
		Values:       map[id.InstanceID][]store.ValueRow{},
		Relations:    map[id.InstanceID][]store.RelationRow{},
	}
	exec := s.execer(ctx)

	rows, err := exec.QueryContext(ctx, `
		WITH RECURSIVE reached(id) AS (
			SELECT $1::uuid
			UNION
			SELECT r.child_id FROM instance_relations r JOIN reached ON r.parent_id = reached.id
		)
		SELECT `+relationColumns+` FROM instance_relations
		WHERE parent_id IN (SELECT id FROM reached)`, uuid.UUID(subID))
	if err != nil {
		return nil, fmt.Errorf("fetch tree relations: %w", err)
	}
	rels, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}
	childIDs := make([]id.InstanceID, 0, len(rels))
	seen := map[id.InstanceID]bool{}
	for _, rel := range rels {
		tree.Relations[rel.ParentID] = append(tree.Relations[rel.ParentID], rel)
		if !seen[rel.ChildID] {
			seen[rel.ChildID] = true
			childIDs = append(childIDs, rel.ChildID)
		}
	}
	for _, group := range tree.Relations {
		store.SortRelations(group)
	}
	if len(childIDs) == 0 {
		return tree, nil
	}

	instances, err := s.GetInstances(ctx, childIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range instances {
		tree.Instances[row.ID] = row
	}

	valueRows, err := exec.QueryContext(ctx, `
		SELECT id, instance_id, field_name, value_text, order_index
		FROM instance_values WHERE instance_id = ANY($1::uuid[])`, pq.Array(idStrings(childIDs)))
	if err != nil {
		return nil, fmt.Errorf("fetch tree values: %w", err)
	}
	values, err := scanValues(valueRows)
	if err != nil {
		return nil, err
	}
	for _, row := range values {
		tree.Values[row.InstanceID] = append(tree.Values[row.InstanceID], row)
	}
	for _, group := range tree.Values {
		store.SortValues(group)
	}
	return tree, nil
}

func idStrings(ids []id.InstanceID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
