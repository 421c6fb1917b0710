package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/model"
)

// Payload is the serialized flag configuration of one environment.
type Payload struct {
	Flags string
}

type FlagLister interface {
	List(ctx context.Context, env model.Environment) ([]model.FlagDefinition, error)
}

// Multiplexer fans the flag configuration of each environment out to its
// subscribers. Configurations are serialized once per Publish and cached.
type Multiplexer struct {
	flags  FlagLister
	logger logrus.FieldLogger

	subs     map[model.Environment]map[any]chan Payload
	envFlags map[model.Environment]string

	mu sync.RWMutex
}

func NewMux(ctx context.Context, flags FlagLister, logger logrus.FieldLogger) (*Multiplexer, error) {
	m := &Multiplexer{
		flags:    flags,
		logger:   logger,
		subs:     map[model.Environment]map[any]chan Payload{},
		envFlags: map[model.Environment]string{},
	}
	for _, env := range model.Environments {
		m.subs[env] = map[any]chan Payload{}
		if err := m.reFill(ctx, env); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register subscribes con to env under id and returns the current
// configuration. con should be buffered; a subscriber that falls behind only
// receives the latest configuration.
func (r *Multiplexer) Register(id any, env model.Environment, con chan Payload) (Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subs[env]
	if !ok {
		return Payload{}, model.NotFoundf("environment %q", env)
	}
	subs[id] = con
	return Payload{Flags: r.envFlags[env]}, nil
}

// Publish refreshes the configuration of env and pushes it to every
// subscriber of that environment.
func (r *Multiplexer) Publish(ctx context.Context, env model.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reFill(ctx, env); err != nil {
		return err
	}

	payload := Payload{Flags: r.envFlags[env]}
	for id, con := range r.subs[env] {
		if !offer(con, payload) {
			r.logger.Debug(fmt.Sprintf("subscriber %v of %s is not receiving", id, env))
		}
	}
	return nil
}

// offer delivers p without blocking, replacing a pending stale payload.
func offer(con chan Payload, p Payload) bool {
	for i := 0; i < 2; i++ {
		select {
		case con <- p:
			return true
		default:
		}
		select {
		case <-con:
		default:
		}
	}
	return false
}

func (r *Multiplexer) Unregister(id any, env model.Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs[env], id)
}

func (r *Multiplexer) GetAllFlags(env model.Environment) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flags, ok := r.envFlags[env]
	if !ok {
		return "", model.NotFoundf("environment %q", env)
	}
	return flags, nil
}

func (r *Multiplexer) reFill(ctx context.Context, env model.Environment) error {
	list, err := r.flags.List(ctx, env)
	if err != nil {
		return fmt.Errorf("error retrieving flags of %s: %w", env, err)
	}

	flags := make(map[string]model.FlagDefinition, len(list))
	for _, f := range list {
		flags[f.Key] = f
	}
	bytes, err := json.Marshal(map[string]any{"environment": env, "flags": flags})
	if err != nil {
		return fmt.Errorf("unable to marshal flags: %w", err)
	}

	r.envFlags[env] = string(bytes)
	return nil
}
