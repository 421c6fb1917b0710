package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-feature/flagops/pkg/advisor"
	"github.com/open-feature/flagops/pkg/audit"
	"github.com/open-feature/flagops/pkg/eval"
	"github.com/open-feature/flagops/pkg/pipeline"
	"github.com/open-feature/flagops/pkg/provider"
	"github.com/open-feature/flagops/pkg/service"
	"github.com/open-feature/flagops/pkg/store"
	flagsync "github.com/open-feature/flagops/pkg/sync"
	"github.com/open-feature/flagops/pkg/telemetry"
)

const DefaultAuditRetry = "@every 30s"

type Config struct {
	Port           int32
	AllowedOrigins []string
	// StoreDriver is "memory", "sqlite" or "postgres".
	StoreDriver string
	StoreDSN    string
	FlagFile    string
	AuditRetry  string
}

// Runtime holds the wired components of a running instance.
type Runtime struct {
	Service  *service.HTTPService
	Provider provider.IProvider
	Recorder *audit.Recorder
	Cron     *cron.Cron
	Flags    store.IStore
	Logger   logrus.FieldLogger
}

// FromConfig wires registry, audit log, pipeline, sync and the HTTP service.
func FromConfig(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Runtime, error) {
	flags, log, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	mux, err := flagsync.NewMux(ctx, flags, logger)
	if err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(log, logger, metrics)
	p := pipeline.New(flags, recorder,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithPublisher(mux),
	)

	rt := &Runtime{
		Recorder: recorder,
		Cron:     cron.New(),
		Flags:    flags,
		Logger:   logger,
	}
	retry := cfg.AuditRetry
	if retry == "" {
		retry = DefaultAuditRetry
	}
	if err := recorder.Schedule(rt.Cron, retry); err != nil {
		return nil, fmt.Errorf("invalid audit retry schedule %q: %w", retry, err)
	}
	if cfg.FlagFile != "" {
		rt.Provider = provider.NewFilePathProvider(cfg.FlagFile, p, flags, logger)
	}

	rt.Service = service.NewHTTPService(&service.HTTPServiceConfiguration{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
	}, service.Dependencies{
		Evaluator: eval.NewEvaluator(flags, eval.WithLogger(logger), eval.WithMetrics(metrics)),
		Flags:     flags,
		Pipeline:  p,
		Audit:     log,
		Mux:       mux,
		Advisor:   advisor.Static{},
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    logger,
	})
	return rt, nil
}

func openStorage(cfg Config, logger logrus.FieldLogger) (store.IStore, audit.Log, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return store.NewFlags(logger), audit.NewMemoryLog(), nil
	case "sqlite", "postgres":
		db, err := store.OpenDB(cfg.StoreDriver, cfg.StoreDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		flags, err := store.NewSQLStore(db, logger)
		if err != nil {
			return nil, nil, err
		}
		log, err := audit.NewSQLLog(db)
		if err != nil {
			return nil, nil, err
		}
		return flags, log, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Start seeds the registry from the flag file, then runs the HTTP service,
// the file watch and the audit retry schedule until ctx is done or one of
// them fails.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Provider != nil {
		if err := r.Provider.Initialize(ctx); err != nil {
			return fmt.Errorf("unable to load flag file: %w", err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	if r.Provider != nil {
		g.Go(func() error {
			return r.Provider.Watch(gCtx)
		})
	}
	g.Go(func() error {
		r.Cron.Start()
		<-gCtx.Done()
		r.Cron.Stop()
		if _, err := r.Recorder.Flush(context.Background()); err != nil {
			r.Logger.WithError(err).Warn("audit events still queued at shutdown")
		}
		return nil
	})
	g.Go(func() error {
		err := r.Service.Serve(gCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}
