package main

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rpkilab/relyd/internal/accounting"
	"github.com/rpkilab/relyd/internal/config"
	"github.com/rpkilab/relyd/internal/cycle"
	"github.com/rpkilab/relyd/internal/events"
	"github.com/rpkilab/relyd/internal/metrics"
	"github.com/rpkilab/relyd/internal/rpki/codec"
	rpkicrypto "github.com/rpkilab/relyd/internal/rpki/crypto"
	"github.com/rpkilab/relyd/internal/rpki/slurm"
	"github.com/rpkilab/relyd/internal/rpki/store"
	"github.com/rpkilab/relyd/internal/rpki/tal"
	"github.com/rpkilab/relyd/internal/rpki/walker"
	"github.com/rpkilab/relyd/internal/rtr/db"
	"github.com/rpkilab/relyd/internal/rtr/notify"
	"github.com/rpkilab/relyd/internal/rtr/server"
	"github.com/rpkilab/relyd/pkg/util"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relyd exited")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	return zerolog.New(w).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tals, err := tal.LoadDir(cfg.TALDir)
	if err != nil {
		return fmt.Errorf("loading TALs: %w", err)
	}
	if len(tals) == 0 {
		return fmt.Errorf("no .tal files found in %s", cfg.TALDir)
	}

	provider := rpkicrypto.StdProvider{}
	w := &walker.Walker{
		Store:   store.New(cfg.MirrorDir, provider),
		Decoder: codec.Unimplemented{},
		Crypto:  provider,
		Log:     log.With().Str("component", "walker").Logger(),
	}

	notifier := notify.New(log.With().Str("component", "notifier").Logger())
	database := db.New(randomSessionID(), cfg.Retention, notifier)

	metricsSet := metrics.New()

	var acctLog *accounting.Log
	if cfg.AccountingPath != "" {
		acctLog, err = accounting.Open(cfg.AccountingPath, accounting.DefaultRotateBytes)
		if err != nil {
			return fmt.Errorf("opening accounting log: %w", err)
		}
		defer acctLog.Close()
	}

	var slurmDoc *slurm.Document
	if cfg.SLURMPath != "" {
		slurmDoc, err = slurm.Load(cfg.SLURMPath)
		if err != nil {
			return fmt.Errorf("loading SLURM file: %w", err)
		}
	}

	var eventsHub *events.Hub
	if cfg.EventsEnabled {
		eventsHub = events.New(log.With().Str("component", "events").Logger())
	}

	runner := &cycle.Runner{
		Walker:  w,
		DB:      database,
		Log:     log.With().Str("component", "cycle").Logger(),
		SLURM:   slurmDoc,
		Events:  eventsHub,
		Metrics: metricsSet,
	}

	rtrSrv := server.New(server.Config{
		Addr:        cfg.RTRAddr,
		MD5Password: cfg.RTRMD5,
		QueryRate:   cfg.RTRQueryRate,
		IdleTimeout: cfg.RTRIdleTimeout,
	}, database, notifier, metricsSet, log.With().Str("component", "rtr").Logger())

	errc := make(chan error, 2)

	go func() {
		errc <- rtrSrv.ListenAndServe(ctx)
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			errc <- serveMetrics(ctx, cfg.MetricsAddr, metricsSet, eventsHub)
		}()
	}

	cyclesDone := make(chan struct{})
	go func() {
		defer util.Close(cyclesDone)
		runCycles(ctx, cfg, runner, metricsSet, acctLog, tals, log)
	}()

	select {
	case <-ctx.Done():
		<-cyclesDone
		return nil
	case err := <-errc:
		cancel()
		cancelAndWait(cyclesDone)
		return err
	}
}

// cancelAndWait is called only when a listener goroutine exits before the
// process was asked to shut down, after run has canceled the cycle loop's
// context; it waits up to 30 seconds for the cycle goroutine to return
// before run returns the listener's error.
func cancelAndWait(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
}

// runCycles drives the validator on cfg.CycleInterval until ctx is
// canceled, each cycle bounded by cfg.CycleDeadline (spec §5).
func runCycles(ctx context.Context, cfg config.Config, runner *cycle.Runner, metricsSet *metrics.Set, acctLog *accounting.Log, tals []*tal.TAL, log zerolog.Logger) {
	runOnce := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.CycleDeadline)
		defer cancel()

		summary, err := runner.Run(cycleCtx, tals)
		if err != nil {
			log.Error().Err(err).Msg("cycle failed")
			metricsSet.CycleCompleted(0, false)
			return
		}

		metricsSet.CycleCompleted(summary.Duration.Seconds(), true)
		metricsSet.SetVRPCounts(summary.VRPCount, summary.RouterKeyCount)
		log.Info().
			Dur("duration", summary.Duration).
			Int("tal_count", summary.TALCount).
			Int("tal_failures", summary.TALFailures).
			Int("vrp_count", summary.VRPCount).
			Int("router_key_count", summary.RouterKeyCount).
			Bool("committed", summary.Committed).
			Msg("cycle completed")

		if acctLog != nil {
			record := accounting.Record{
				Time:           time.Now(),
				CycleDuration:  summary.Duration,
				TALCount:       summary.TALCount,
				TALFailures:    summary.TALFailures,
				VRPCount:       summary.VRPCount,
				RouterKeyCount: summary.RouterKeyCount,
				Session:        runner.DB.CurrentSession(),
				Serial:         runner.DB.CurrentSerial(),
			}
			if err := acctLog.Write(record); err != nil {
				log.Warn().Err(err).Msg("writing accounting record")
			}
		}
	}

	runOnce()
	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// serveMetrics runs a tiny chi-backed HTTP server exposing /metrics,
// /status, and (if hub is non-nil) a debug /events WebSocket stream,
// until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, set *metrics.Set, hub *events.Hub) error {
	r := chi.NewRouter()
	r.Get("/metrics", set.Handler().ServeHTTP)
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if hub != nil {
		r.Get("/events", hub.ServeHTTP)
	}

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// randomSessionID picks an RTR session ID at process start (spec §6 "no
// persisted state" -- a fresh session every restart, so clients never
// mistake one process's serials for another's history).
func randomSessionID() uint16 {
	var b [2]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return uint16(b[0])<<8 | uint16(b[1])
}
