package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/bus"
	"github.com/asheshgoplani/lanedeck/internal/config"
	"github.com/asheshgoplani/lanedeck/internal/control"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/proc"
	"github.com/asheshgoplani/lanedeck/internal/pty"
	"github.com/asheshgoplani/lanedeck/internal/recovery"
	"github.com/asheshgoplani/lanedeck/internal/statedb"
	"github.com/asheshgoplani/lanedeck/internal/web"
)

const (
	// leaseTimeout is how long a silent primary keeps the data directory.
	leaseTimeout      = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	pruneInterval     = time.Hour
	shutdownTimeout   = 10 * time.Second
)

type serveOptions struct {
	listen    string
	token     string
	readOnly  bool
	noRestore bool
}

func handleServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "Listen address (default from [web] listen)")
	token := fs.String("token", "", "Bearer token for API/WS access (default from [web] token)")
	readOnly := fs.Bool("read-only", false, "Serve queries and taps only; reject commands")
	noRestore := fs.Bool("no-restore", false, "Start empty instead of loading the latest checkpoint")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: lanedeck serve [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Run the control plane daemon.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}

	cfg := loadConfig(stderr)
	ws := cfg.WebSettings()
	opts := serveOptions{
		listen:    firstNonEmpty(*listen, ws.Listen),
		token:     firstNonEmpty(*token, ws.Token),
		readOnly:  *readOnly,
		noRestore: *noRestore,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, opts, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.UserConfig, opts serveOptions, stdout io.Writer) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	ls := cfg.LogSettings()
	logging.Init(logging.Config{
		LogDir:                dir,
		Level:                 ls.Level,
		Format:                ls.Format,
		MaxSizeMB:             ls.MaxSizeMB,
		MaxBackups:            ls.MaxBackups,
		MaxAgeDays:            ls.RetentionDays,
		Compress:              ls.Compress,
		RingBufferSize:        ls.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: ls.AggregateIntervalSecs,
		PprofEnabled:          ls.Pprof,
		PprofAddr:             ls.PprofAddr,
	})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompControl)

	st, err := cfg.StorageSettings()
	if err != nil {
		return err
	}
	db, err := statedb.Open(st.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	if err := db.RegisterDaemon(); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	defer func() { _ = db.UnregisterDaemon() }()
	primary, err := db.ElectPrimary(leaseTimeout)
	if err != nil {
		return err
	}
	if !primary {
		pid, _ := db.PrimaryPID(leaseTimeout)
		return fmt.Errorf("another lanedeck daemon (pid %d) owns %s", pid, dir)
	}
	defer func() { _ = db.ResignPrimary() }()

	as := cfg.AuditSettings()
	auditOpts := audit.Options{
		MaxRecords:   as.MaxRecords,
		MaxAge:       as.MaxAge(),
		RedactFields: as.RedactFields,
		StoreQueue:   as.StoreQueue,
	}
	if as.Durable {
		auditOpts.Store = db
	}
	sink := audit.NewSink(auditOpts)
	defer sink.Close()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	bs := cfg.BusSettings()
	b, err := bus.New(bus.Options{
		Audit:            sink,
		Meter:            mp.Meter(bus.MeterName),
		EventLogSize:     bs.EventLogSize,
		SubscriberBuffer: bs.SubscriberBuffer,
	})
	if err != nil {
		return err
	}

	rt, err := control.New(control.Options{
		Bus:            b,
		TaskLauncher:   proc.ExecLauncher{},
		PTY:            pty.Options{Config: pty.ConfigFrom(cfg.PTYSettings())},
		TerminalBuffer: cfg.BufferSettings().TerminalBytes,
	})
	if err != nil {
		return err
	}

	cp := recovery.Checkpoint{}
	if !opts.noRestore {
		loaded, ok, err := recovery.Load(ctx, db)
		switch {
		case err != nil:
			log.Warn("checkpoint_load_failed", slog.String("error", err.Error()))
		case ok:
			cp = loaded
		}
	}
	plan := rt.Restore(cp)
	log.Info("runtime_restored",
		slog.Int("lanes", len(plan.Lanes)),
		slog.Int("sessions", len(plan.Sessions)),
		slog.Int("terminals", len(plan.Terminals)),
		slog.Int("findings", len(plan.Findings)))
	rt.PTYs().ReconcileOrphans(ctx)

	wd := recovery.NewWatchdog(recovery.WatchdogOptions{
		Source:   rt.Checkpoint,
		Emitter:  b,
		Interval: time.Duration(cfg.WatchdogSettings().IntervalSecs) * time.Second,
	})

	srv, err := web.NewServer(web.Config{
		ListenAddr: opts.listen,
		Token:      opts.token,
		ReadOnly:   opts.readOnly,
		Runtime:    rt,
		Metrics:    reader,
		Watchdog:   wd,
	})
	if err != nil {
		return err
	}

	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	watcher, err := config.NewWatcher(cfgPath, func(next *config.UserConfig) {
		logging.SetLevel(next.LogSettings().Level)
		sink.SetRedactFields(next.AuditSettings().RedactFields)
		log.Info("config_applied", slog.String("level", next.LogSettings().Level))
	})
	if err != nil {
		log.Warn("config_watcher_disabled", slog.String("error", err.Error()))
	}

	fmt.Fprintf(stdout, "lanedeck v%s listening on %s (data %s)\n", Version, srv.Addr(), dir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.PTYs().Run(gctx)
		return nil
	})
	g.Go(func() error {
		wd.Run(gctx)
		return nil
	})
	g.Go(func() error {
		checkpointLoop(gctx, db, rt, time.Duration(cfg.WatchdogSettings().IntervalSecs)*time.Second)
		return nil
	})
	g.Go(func() error {
		leaseLoop(gctx, db)
		return nil
	})
	if as.Durable {
		g.Go(func() error {
			pruneLoop(gctx, db, as.MaxAge())
			return nil
		})
	}
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		dumpOnSignal(gctx, dir)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopped := rt.Shutdown(sctx)
	if err := recovery.Save(sctx, db, rt.Checkpoint()); err != nil {
		log.Error("final_checkpoint_failed", slog.String("error", err.Error()))
	}
	log.Info("shutdown_complete", slog.Int("ptys_terminated", stopped))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func checkpointLoop(ctx context.Context, store recovery.Store, rt *control.Runtime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := recovery.Save(ctx, store, rt.Checkpoint()); err != nil && ctx.Err() == nil {
				logging.ForComponent(logging.CompRecovery).Warn("checkpoint_save_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// leaseLoop keeps this daemon's primary lease alive.
func leaseLoop(ctx context.Context, db *statedb.StateDB) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				logging.ForComponent(logging.CompStorage).Warn("daemon_heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func pruneLoop(ctx context.Context, db *statedb.StateDB, maxAge time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneAudit(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logging.ForComponent(logging.CompStorage).Warn("audit_prune_failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logging.ForComponent(logging.CompStorage).Info("audit_pruned", slog.Int64("rows", n))
			}
		}
	}
}

// dumpOnSignal writes the log ring buffer to the data directory on SIGUSR1.
func dumpOnSignal(ctx context.Context, dir string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", time.Now().UTC().Format("20060102-150405")))
			if err := logging.DumpRingBuffer(path); err != nil {
				logging.ForComponent(logging.CompControl).Error("ring_dump_failed", slog.String("error", err.Error()))
				continue
			}
			logging.ForComponent(logging.CompControl).Info("ring_dumped", slog.String("path", path))
		}
	}
}
