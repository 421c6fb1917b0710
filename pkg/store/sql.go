package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/open-feature/flagops/pkg/model"
)

// OpenDB opens a gorm connection for the "postgres" or "sqlite" driver.
func OpenDB(driver, dsn string, logger logrus.FieldLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	cfg := &gorm.Config{TranslateError: true}
	if logger != nil {
		cfg.Logger = gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

type flagRow struct {
	Environment string               `gorm:"primaryKey;size:20"`
	FlagKey     string               `gorm:"primaryKey;size:200"`
	Version     int64                `gorm:"not null"`
	Definition  model.FlagDefinition `gorm:"serializer:json;not null"`
	UpdatedAt   time.Time
}

func (flagRow) TableName() string {
	return "flags"
}

func (r flagRow) definition() model.FlagDefinition {
	def := r.Definition
	def.Version = r.Version
	return def
}

// SQLStore is the registry persisted through gorm. The version column is the
// optimistic lock: updates only apply while it still holds the version the
// mutation was computed from, which keeps several instances on one database
// consistent.
type SQLStore struct {
	db     *gorm.DB
	locks  *keyLock
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewSQLStore(db *gorm.DB, logger logrus.FieldLogger) (*SQLStore, error) {
	if err := db.AutoMigrate(&flagRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate flags: %v", model.ErrStoreUnavailable, err)
	}
	return &SQLStore{
		db:     db,
		locks:  newKeyLock(),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, env model.Environment, key string) (model.FlagDefinition, error) {
	row, err := takeFlag(s.db.WithContext(ctx), env, key)
	if err != nil {
		return model.FlagDefinition{}, s.fail(ctx, err)
	}
	return row.definition(), nil
}

func (s *SQLStore) List(ctx context.Context, env model.Environment) ([]model.FlagDefinition, error) {
	var rows []flagRow
	err := s.db.WithContext(ctx).
		Where("environment = ?", string(env)).
		Order("flag_key").
		Find(&rows).Error
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	flags := make([]model.FlagDefinition, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, r.definition())
	}
	return flags, nil
}

func (s *SQLStore) Create(ctx context.Context, def model.FlagDefinition, opts ...WriteOption) (model.FlagDefinition, error) {
	unlock := s.locks.Lock(lockKey(def.Environment, def.Key))
	defer unlock()

	next, err := prepareCreate(def, s.now())
	if err != nil {
		return model.FlagDefinition{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&flagRow{}).
			Where("environment = ? AND flag_key = ?", string(next.Environment), next.Key).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("flag %q in %s: %w", next.Key, next.Environment, model.ErrAlreadyExists)
		}
		return tx.Create(&flagRow{
			Environment: string(next.Environment),
			FlagKey:     next.Key,
			Version:     next.Version,
			Definition:  next,
			UpdatedAt:   next.LastUpdated,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = fmt.Errorf("flag %q in %s: %w", next.Key, next.Environment, model.ErrAlreadyExists)
	}
	if err != nil {
		return model.FlagDefinition{}, s.fail(ctx, err)
	}

	s.logger.Debug(fmt.Sprintf("created flag %s in %s", next.Key, next.Environment))
	collect(opts).committed(next)
	return next.Clone(), nil
}

func (s *SQLStore) ApplyUpdate(
	ctx context.Context,
	env model.Environment,
	key string,
	expectedVersion int64,
	mutate Mutator,
	opts ...WriteOption,
) (model.FlagDefinition, error) {
	unlock := s.locks.Lock(lockKey(env, key))
	defer unlock()

	var next model.FlagDefinition
	var rejected error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := takeFlag(tx, env, key)
		if err != nil {
			return err
		}
		next, rejected = prepareUpdate(row.definition(), expectedVersion, mutate, s.now())
		if rejected != nil {
			return rejected
		}

		res := tx.Model(&row).
			Where("version = ?", row.Version).
			Select("version", "definition", "updated_at").
			Updates(&flagRow{Version: next.Version, Definition: next, UpdatedAt: next.LastUpdated})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("flag %q changed concurrently: %w", key, model.ErrVersionConflict)
		}
		return nil
	})
	if rejected != nil {
		return model.FlagDefinition{}, rejected
	}
	if err != nil {
		return model.FlagDefinition{}, s.fail(ctx, err)
	}

	s.logger.Debug(fmt.Sprintf("updated flag %s in %s to version %d", key, env, next.Version))
	collect(opts).committed(next)
	return next.Clone(), nil
}

func (s *SQLStore) Delete(ctx context.Context, env model.Environment, key string, opts ...WriteOption) (model.FlagDefinition, error) {
	unlock := s.locks.Lock(lockKey(env, key))
	defer unlock()

	var deleted model.FlagDefinition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := takeFlag(tx, env, key)
		if err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		deleted = row.definition()
		return nil
	})
	if err != nil {
		return model.FlagDefinition{}, s.fail(ctx, err)
	}

	s.logger.Debug(fmt.Sprintf("deleted flag %s from %s", key, env))
	collect(opts).committed(deleted)
	return deleted, nil
}

func takeFlag(db *gorm.DB, env model.Environment, key string) (flagRow, error) {
	var row flagRow
	err := db.Where("environment = ? AND flag_key = ?", string(env), key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return flagRow{}, model.NotFoundf("flag %q in %s", key, env)
	}
	return row, err
}

// fail passes domain errors and cancellation through and reports anything
// else as the store being unavailable.
func (s *SQLStore) fail(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrInvalidConfiguration):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	s.logger.WithError(err).Error("flag store failure")
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}
