package store

import (
	"context"
	"fmt"
	"time"

	"github.com/open-feature/flagops/pkg/model"
)

// Mutator edits a private copy of the current definition. Returning an error
// aborts the write.
type Mutator func(*model.FlagDefinition) error

// IStore is the flag registry: a versioned (environment, key) -> definition
// map. Every definition returned is a copy owned by the caller.
type IStore interface {
	Get(ctx context.Context, env model.Environment, key string) (model.FlagDefinition, error)
	List(ctx context.Context, env model.Environment) ([]model.FlagDefinition, error)
	Create(ctx context.Context, def model.FlagDefinition, opts ...WriteOption) (model.FlagDefinition, error)
	// ApplyUpdate fails with ErrVersionConflict unless the stored version equals
	// expectedVersion. Version check, validation and commit are atomic with
	// respect to other writers of the same key.
	ApplyUpdate(ctx context.Context, env model.Environment, key string, expectedVersion int64, mutate Mutator, opts ...WriteOption) (model.FlagDefinition, error)
	Delete(ctx context.Context, env model.Environment, key string, opts ...WriteOption) (model.FlagDefinition, error)
}

type writeOptions struct {
	afterCommit []func(model.FlagDefinition)
}

type WriteOption func(*writeOptions)

// AfterCommit registers fn to run once the write committed, while the key is
// still locked against other writers. Hooks on the same key therefore run in
// commit order.
func AfterCommit(fn func(model.FlagDefinition)) WriteOption {
	return func(o *writeOptions) {
		o.afterCommit = append(o.afterCommit, fn)
	}
}

func collect(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o writeOptions) committed(def model.FlagDefinition) {
	for _, fn := range o.afterCommit {
		fn(def.Clone())
	}
}

func prepareCreate(def model.FlagDefinition, now time.Time) (model.FlagDefinition, error) {
	next := def.Clone()
	next.Version = 1
	next.LastUpdated = now
	if err := next.Validate(); err != nil {
		return model.FlagDefinition{}, err
	}
	return next, nil
}

func prepareUpdate(cur model.FlagDefinition, expectedVersion int64, mutate Mutator, now time.Time) (model.FlagDefinition, error) {
	if cur.Version != expectedVersion {
		return model.FlagDefinition{}, fmt.Errorf("flag %q is at version %d, expected %d: %w",
			cur.Key, cur.Version, expectedVersion, model.ErrVersionConflict)
	}
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return model.FlagDefinition{}, err
	}
	if err := model.CheckImmutable(cur, next); err != nil {
		return model.FlagDefinition{}, err
	}
	if err := next.Validate(); err != nil {
		return model.FlagDefinition{}, err
	}
	next.Version = cur.Version + 1
	next.LastUpdated = now
	return next, nil
}
