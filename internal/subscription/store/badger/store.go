// Package badger implements the subscription store on an embedded BadgerDB.
//
// Key layout, values JSON encoded:
//
//	sub/<subscription id>                 SubscriptionRow
//	inst/<instance id>                    InstanceRow
//	own/<owner id>/<instance id>          empty, ownership index
//	val/<instance id>/<value id>          ValueRow
//	rel/<parent id>/<child id>            RelationRow
//	relc/<child id>/<parent id>           empty, reverse edge index
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	"orchestrator/pkg/platform/sentinel"
)

// Config holds the options used to open the database.
type Config struct {
	// Path is the data directory; ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's own log output; nil disables it.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database described by cfg. The caller closes it.
func Open(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

type txnKey struct{}

type Store struct {
	db *badger.DB
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// RunInTx runs fn in one read-write badger transaction carried by ctx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(ctx)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(context.WithValue(ctx, txnKey{}, txn))
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("commit transaction: %w", sentinel.ErrConflict)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.Update(fn)
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, "/") + "/")
}

func getJSON(txn *badger.Txn, k []byte, out any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("decode %s: %w", k, sentinel.ErrInvalidState)
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return txn.Set(k, payload)
}

// scan calls fn with the key suffix after p and the value of every key under p.
func scan(txn *badger.Txn, p []byte, keysOnly bool, fn func(suffix string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		suffix := string(item.Key()[len(p):])
		if keysOnly {
			if err := fn(suffix, nil); err != nil {
				return err
			}
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(suffix, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*store.SubscriptionRow, error) {
	var row store.SubscriptionRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key("sub", subID.String()), &row)
	})
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", subID, err)
	}
	return &row, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, row store.SubscriptionRow) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key("sub", row.ID.String()), row)
	})
}

func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error) {
	var row store.InstanceRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key("inst", instanceID.String()), &row)
	})
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return &row, nil
}

func (s *Store) GetInstances(ctx context.Context, ids []id.InstanceID) ([]store.InstanceRow, error) {
	var out []store.InstanceRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getInstances(txn, ids)
		return err
	})
	return out, err
}

func getInstances(txn *badger.Txn, ids []id.InstanceID) ([]store.InstanceRow, error) {
	out := make([]store.InstanceRow, 0, len(ids))
	for _, instanceID := range ids {
		var row store.InstanceRow
		err := getJSON(txn, key("inst", instanceID.String()), &row)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) UpsertInstance(ctx context.Context, row store.InstanceRow) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var prev store.InstanceRow
		err := getJSON(txn, key("inst", row.ID.String()), &prev)
		switch {
		case err == nil:
			if prev.OwnerID != row.OwnerID {
				if err := txn.Delete(key("own", prev.OwnerID.String(), row.ID.String())); err != nil {
					return err
				}
			}
		case !errors.Is(err, sentinel.ErrNotFound):
			return err
		}
		if err := txn.Set(key("own", row.OwnerID.String(), row.ID.String()), nil); err != nil {
			return err
		}
		return setJSON(txn, key("inst", row.ID.String()), row)
	})
}

func (s *Store) ListOwnedInstances(ctx context.Context, owner id.SubscriptionID) ([]store.InstanceRow, error) {
	var out []store.InstanceRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var ids []id.InstanceID
		err := scan(txn, prefix("own", owner.String()), true, func(suffix string, _ []byte) error {
			instanceID, err := uuid.Parse(suffix)
			if err != nil {
				return fmt.Errorf("ownership key %s: %w", suffix, sentinel.ErrInvalidState)
			}
			ids = append(ids, id.InstanceID(instanceID))
			return nil
		})
		if err != nil {
			return err
		}
		out, err = getInstances(txn, ids)
		return err
	})
	return out, err
}

func (s *Store) DeleteInstances(ctx context.Context, ids []id.InstanceID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, instanceID := range ids {
			var row store.InstanceRow
			err := getJSON(txn, key("inst", instanceID.String()), &row)
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := deleteChildRelations(txn, instanceID); err != nil {
				return err
			}
			values, err := listValues(txn, instanceID)
			if err != nil {
				return err
			}
			for _, v := range values {
				if err := txn.Delete(key("val", instanceID.String(), v.ID.String())); err != nil {
					return err
				}
			}
			if err := txn.Delete(key("own", row.OwnerID.String(), instanceID.String())); err != nil {
				return err
			}
			if err := txn.Delete(key("inst", instanceID.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListValues(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error) {
	var out []store.ValueRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = listValues(txn, instanceID)
		return err
	})
	return out, err
}

func listValues(txn *badger.Txn, instanceID id.InstanceID) ([]store.ValueRow, error) {
	var out []store.ValueRow
	err := scan(txn, prefix("val", instanceID.String()), false, func(_ string, val []byte) error {
		var row store.ValueRow
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("decode value: %w", sentinel.ErrInvalidState)
		}
		out = append(out, row)
		return nil
	})
	store.SortValues(out)
	return out, err
}

func (s *Store) UpsertValues(ctx context.Context, rows []store.ValueRow) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, row := range rows {
			if row.ID == uuid.Nil {
				return fmt.Errorf("value row without id: %w", sentinel.ErrInvalidState)
			}
			if err := setJSON(txn, key("val", row.InstanceID.String(), row.ID.String()), row); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteValues finds rows by surrogate id. Value keys are scoped by instance, so
// the whole value space is scanned.
func (s *Store) DeleteValues(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(ids))
	for _, v := range ids {
		doomed[v.String()] = true
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		err := scan(txn, []byte("val/"), true, func(suffix string, _ []byte) error {
			instance, valueID, ok := strings.Cut(suffix, "/")
			if ok && doomed[valueID] {
				keys = append(keys, key("val", instance, valueID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListChildRelations(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error) {
	var out []store.RelationRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = listChildRelations(txn, parentID)
		return err
	})
	return out, err
}

func listChildRelations(txn *badger.Txn, parentID id.InstanceID) ([]store.RelationRow, error) {
	var out []store.RelationRow
	err := scan(txn, prefix("rel", parentID.String()), false, func(_ string, val []byte) error {
		var rel store.RelationRow
		if err := json.Unmarshal(val, &rel); err != nil {
			return fmt.Errorf("decode relation: %w", sentinel.ErrInvalidState)
		}
		out = append(out, rel)
		return nil
	})
	store.SortRelations(out)
	return out, err
}

func (s *Store) ListParentRelations(ctx context.Context, childID id.InstanceID) ([]store.RelationRow, error) {
	var out []store.RelationRow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var parents []string
		err := scan(txn, prefix("relc", childID.String()), true, func(suffix string, _ []byte) error {
			parents = append(parents, suffix)
			return nil
		})
		if err != nil {
			return err
		}
		for _, parent := range parents {
			var rel store.RelationRow
			if err := getJSON(txn, key("rel", parent, childID.String()), &rel); err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

func deleteChildRelations(txn *badger.Txn, parentID id.InstanceID) error {
	rels, err := listChildRelations(txn, parentID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := txn.Delete(key("rel", parentID.String(), rel.ChildID.String())); err != nil {
			return err
		}
		if err := txn.Delete(key("relc", rel.ChildID.String(), parentID.String())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReplaceChildRelations(ctx context.Context, parentID id.InstanceID, rels []store.RelationRow) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := deleteChildRelations(txn, parentID); err != nil {
			return err
		}
		for _, rel := range rels {
			rel.ParentID = parentID
			if err := setJSON(txn, key("rel", parentID.String(), rel.ChildID.String()), rel); err != nil {
				return err
			}
			if err := txn.Set(key("relc", rel.ChildID.String(), parentID.String()), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) FetchTree(ctx context.Context, subID id.SubscriptionID) (*store.Tree, error) {
	tree := &store.Tree{
		Instances: map[id.InstanceID]store.InstanceRow{},
		Values:    map[id.InstanceID][]store.ValueRow{},
		Relations: map[id.InstanceID][]store.RelationRow{},
	}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, key("sub", subID.String()), &tree.Subscription); err != nil {
			return fmt.Errorf("subscription %s: %w", subID, err)
		}
		queue := []id.InstanceID{subID.AsParent()}
		visited := map[id.InstanceID]bool{subID.AsParent(): true}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			rels, err := listChildRelations(txn, parent)
			if err != nil {
				return err
			}
			if len(rels) > 0 {
				tree.Relations[parent] = rels
			}
			for _, rel := range rels {
				if visited[rel.ChildID] {
					continue
				}
				visited[rel.ChildID] = true
				queue = append(queue, rel.ChildID)

				var row store.InstanceRow
				err := getJSON(txn, key("inst", rel.ChildID.String()), &row)
				if errors.Is(err, sentinel.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				tree.Instances[row.ID] = row
				values, err := listValues(txn, row.ID)
				if err != nil {
					return err
				}
				if len(values) > 0 {
					tree.Values[row.ID] = values
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}
