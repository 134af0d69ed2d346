package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/transitlab/ticketctl/internal/api"
	"github.com/transitlab/ticketctl/internal/app/intake"
	"github.com/transitlab/ticketctl/internal/app/merger"
	"github.com/transitlab/ticketctl/internal/app/status"
	"github.com/transitlab/ticketctl/internal/app/window"
	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/csvstore"
	"github.com/transitlab/ticketctl/internal/infra/dsa"
	"github.com/transitlab/ticketctl/internal/infra/natsbus"
	"github.com/transitlab/ticketctl/internal/infra/postgres"
	"github.com/transitlab/ticketctl/internal/infra/sqlite"
)

// Version is set at build time.
var Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

// OpenStore opens the configured record store backend.
func OpenStore(ctx context.Context, cfg StoreConfig) (domain.Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return sqlite.Open(cfg.Dir)
	case BackendCSV:
		return csvstore.Open(cfg.Dir)
	case BackendPostgres:
		return postgres.Open(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, cfg.Backend)
	}
}

// Daemon owns every long-lived component of a running service.
type Daemon struct {
	cfg       Config
	store     domain.Store
	notifier  *natsbus.Notifier
	scheduler *window.Scheduler
	merger    *merger.Merger
	intake    *intake.Service
	status    *status.Service
	server    *api.Server
	log       *log.Entry

	closeOnce sync.Once
	closeErr  error

	// Options for tests; zero values mean production timing.
	windowCfg *window.Config
	intakeCfg *intake.Config
}

// Option adjusts a daemon before it is wired.
type Option func(*Daemon)

// WithWindow overrides scheduler timing.
func WithWindow(cfg window.Config) Option {
	return func(d *Daemon) { d.windowCfg = &cfg }
}

// WithIntake overrides intake timing.
func WithIntake(cfg intake.Config) Option {
	return func(d *Daemon) { d.intakeCfg = &cfg }
}

// New opens the store and wires the components. Nothing runs until Run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: log.WithField("component", "daemon")}
	for _, opt := range opts {
		opt(d)
	}

	loc, err := cfg.Archive.Location()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	d.store = store

	var notifier domain.ArchiveNotifier
	if cfg.Notify.NATSURL != "" {
		n, err := natsbus.Connect(natsbus.Config{
			URL:     cfg.Notify.NATSURL,
			Token:   cfg.Notify.Token,
			Subject: cfg.Notify.Subject,
			Name:    "ticketctl",
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		d.notifier = n
		notifier = n
	}

	locks := dsa.NewKeyMutex()

	wcfg := window.DefaultConfig()
	if d.windowCfg != nil {
		wcfg = *d.windowCfg
	}
	wcfg.Location = loc
	d.scheduler = window.New(wcfg, store, locks, notifier)

	oracle := merger.NewRandomOracle(cfg.Status.SuccessRate, nil)
	d.merger = merger.New(merger.Config{
		DedupeTransactionIDs: cfg.Intake.DedupeTransactionIDs,
	}, store, oracle, locks, d.scheduler)

	icfg := intake.DefaultConfig()
	icfg.MaxInFlight = cfg.Intake.MaxInFlight
	icfg.WriteTimeout = parseDuration(cfg.Intake.WriteTimeout, icfg.WriteTimeout)
	icfg.RetryInitial = parseDuration(cfg.Intake.RetryInitial, icfg.RetryInitial)
	icfg.RetryMax = parseDuration(cfg.Intake.RetryMax, icfg.RetryMax)
	if d.intakeCfg != nil {
		icfg = *d.intakeCfg
	}
	d.intake = intake.New(icfg, d.merger)

	d.status = status.New(store, wcfg.Window)

	d.server = api.NewServer(api.Config{
		CORSOrigins:    cfg.API.CORSOrigins,
		RateLimitRPM:   cfg.API.RateLimitRPM,
		RequestTimeout: parseDuration(cfg.API.RequestTimeout, 30*time.Second),
		Metrics:        cfg.API.Metrics,
		Version:        Version,
	}, d.intake, d.status, store)

	return d, nil
}

// Handler returns the HTTP handler of the daemon.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Store returns the opened record store.
func (d *Daemon) Store() domain.Store { return d.store }

// Scheduler returns the window scheduler.
func (d *Daemon) Scheduler() *window.Scheduler { return d.scheduler }

// Run recovers open windows, serves HTTP until ctx is cancelled, then shuts
// down in dependency order and closes the store.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.API.Addr())
	if err != nil {
		d.shutdown()
		return fmt.Errorf("listen %s: %w", d.cfg.API.Addr(), err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	if n, err := d.scheduler.Recover(ctx); err != nil {
		d.log.WithError(err).Warn("timer recovery failed")
	} else {
		d.log.WithField("timers", n).Info("pending windows recovered")
	}

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		d.log.WithFields(log.Fields{
			"addr":    ln.Addr().String(),
			"backend": d.cfg.Store.Backend,
			"version": Version,
		}).Info("ticketctl listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case serveErr = <-errc:
		d.log.WithError(serveErr).Error("http server stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		d.log.WithError(err).Warn("http shutdown")
	}

	d.shutdown()
	return serveErr
}

// Close releases resources of a daemon that never ran.
func (d *Daemon) Close() error {
	return d.shutdown()
}

// shutdown stops intake first so drained writes can still register timers,
// then stops the timers and closes the store.
func (d *Daemon) shutdown() error {
	d.closeOnce.Do(func() { d.closeErr = d.stopAll() })
	return d.closeErr
}

func (d *Daemon) stopAll() error {
	d.intake.Stop()
	st := d.intake.Stats()
	d.log.WithFields(log.Fields{
		"written": st.Written,
		"dropped": st.Dropped,
	}).Info("intake drained")

	d.scheduler.Stop()

	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			d.log.WithError(err).Warn("close notifier")
		}
	}
	return d.store.Close()
}
