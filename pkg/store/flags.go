package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/model"
)

const flagsTable = "flags"

// State is the in-memory registry. Reads run in memdb read transactions over
// immutable trees and never block; writers hold a per-key lock across
// check-version, validate and commit.
type State struct {
	db     *memdb.MemDB
	locks  *keyLock
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewFlags(logger logrus.FieldLogger) *State {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			flagsTable: {
				Name: flagsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Environment", Lowercase: false},
								&memdb.StringFieldIndex{Field: "Key", Lowercase: false},
							},
							AllowMissing: false,
						},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}

	return &State{
		db:     db,
		locks:  newKeyLock(),
		logger: logger,
		now:    time.Now,
	}
}

func lockKey(env model.Environment, key string) string {
	return string(env) + "/" + key
}

func (f *State) get(env model.Environment, key string) (model.FlagDefinition, bool) {
	txn := f.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(flagsTable, "id", string(env), key)
	if err != nil {
		panic(err)
	}
	flag, ok := raw.(model.FlagDefinition)
	return flag, ok
}

func (f *State) Get(ctx context.Context, env model.Environment, key string) (model.FlagDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.FlagDefinition{}, err
	}
	flag, ok := f.get(env, key)
	if !ok {
		return model.FlagDefinition{}, model.NotFoundf("flag %q in %s", key, env)
	}
	return flag.Clone(), nil
}

// List returns copies of all flags of an environment ordered by key.
func (f *State) List(ctx context.Context, env model.Environment) ([]model.FlagDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := f.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(flagsTable, "id_prefix", string(env))
	if err != nil {
		return nil, fmt.Errorf("unable to list flags: %w", err)
	}

	flags := []model.FlagDefinition{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		flags = append(flags, obj.(model.FlagDefinition).Clone())
	}
	return flags, nil
}

func (f *State) Create(ctx context.Context, def model.FlagDefinition, opts ...WriteOption) (model.FlagDefinition, error) {
	unlock := f.locks.Lock(lockKey(def.Environment, def.Key))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return model.FlagDefinition{}, err
	}
	if _, exists := f.get(def.Environment, def.Key); exists {
		return model.FlagDefinition{}, fmt.Errorf("flag %q in %s: %w", def.Key, def.Environment, model.ErrAlreadyExists)
	}
	next, err := prepareCreate(def, f.now())
	if err != nil {
		return model.FlagDefinition{}, err
	}
	if err := f.commit(ctx, next); err != nil {
		return model.FlagDefinition{}, err
	}

	f.logger.Debug(fmt.Sprintf("created flag %s in %s", next.Key, next.Environment))
	collect(opts).committed(next)
	return next.Clone(), nil
}

func (f *State) ApplyUpdate(
	ctx context.Context,
	env model.Environment,
	key string,
	expectedVersion int64,
	mutate Mutator,
	opts ...WriteOption,
) (model.FlagDefinition, error) {
	unlock := f.locks.Lock(lockKey(env, key))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return model.FlagDefinition{}, err
	}
	cur, ok := f.get(env, key)
	if !ok {
		return model.FlagDefinition{}, model.NotFoundf("flag %q in %s", key, env)
	}
	next, err := prepareUpdate(cur, expectedVersion, mutate, f.now())
	if err != nil {
		return model.FlagDefinition{}, err
	}
	if err := f.commit(ctx, next); err != nil {
		return model.FlagDefinition{}, err
	}

	f.logger.Debug(fmt.Sprintf("updated flag %s in %s to version %d", key, env, next.Version))
	collect(opts).committed(next)
	return next.Clone(), nil
}

func (f *State) Delete(ctx context.Context, env model.Environment, key string, opts ...WriteOption) (model.FlagDefinition, error) {
	unlock := f.locks.Lock(lockKey(env, key))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return model.FlagDefinition{}, err
	}
	cur, ok := f.get(env, key)
	if !ok {
		return model.FlagDefinition{}, model.NotFoundf("flag %q in %s", key, env)
	}

	txn := f.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(flagsTable, cur); err != nil {
		return model.FlagDefinition{}, fmt.Errorf("unable to delete flag %q: %w", key, err)
	}
	txn.Commit()

	f.logger.Debug(fmt.Sprintf("deleted flag %s from %s", key, env))
	collect(opts).committed(cur)
	return cur.Clone(), nil
}

// commit inserts next in a single write transaction. The last cancellation
// check happens before the transaction opens; the commit itself is atomic.
func (f *State) commit(ctx context.Context, next model.FlagDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := f.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(flagsTable, next); err != nil {
		return fmt.Errorf("unable to store flag %q: %w", next.Key, err)
	}
	txn.Commit()
	return nil
}
