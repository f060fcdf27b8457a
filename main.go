package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/config"
	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/handlers"
	"github.com/gluk-w/termhub/internal/hosts"
	"github.com/gluk-w/termhub/internal/logging"
	"github.com/gluk-w/termhub/internal/metrics"
	"github.com/gluk-w/termhub/internal/ptyproc"
	"github.com/gluk-w/termhub/internal/remote"
	"github.com/gluk-w/termhub/internal/session"
	"github.com/gluk-w/termhub/internal/tmux"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
)

func main() {
	config.Load()
	cfg := config.Cfg

	logging.Init(cfg.LogPath)
	defer logging.Close()
	crashguard.Install(cfg.CrashLogPath)
	metrics.RegisterRecovered(crashguard.RecoveredCount)

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Host directory
	dir := hosts.New(database.DB, cfg.SelfHostID)
	if cfg.HostsFile != "" {
		if err := dir.LoadFile(cfg.HostsFile); err != nil {
			log.Printf("WARNING: hosts file: %v", err)
		}
		if err := dir.Watch(ctx, cfg.HostsFile); err != nil {
			log.Printf("WARNING: hosts watcher: %v", err)
		}
	}

	// Activity fan-out: dashboard subscribers and the audit table
	hub := activity.NewHub()
	audit := database.NewAuditSink(database.DB)
	sink := activity.Multi{hub, audit}
	tracker := activity.NewTracker(clock.RealClock{}, cfg.IdleThreshold, sink)

	rt := tmux.New(cfg.TmuxBinary, cfg.TmuxSocket)
	spawner := &ptyproc.Spawner{Command: rt.AttachCommand, Escalation: cfg.KillEscalation}
	mgr := session.NewManager(session.Config{
		CleanupGrace:       cfg.CleanupGrace,
		MaxSpawnRetries:    cfg.MaxSpawnRetries,
		SpawnRetryDelay:    cfg.SpawnRetryDelay,
		HistoryLines:       cfg.HistoryLines,
		BufferBytes:        cfg.TerminalBufferBytes,
		ClientWriteTimeout: cfg.ClientWriteTimeout,
		SessionLogging:     cfg.SessionLogging,
		SessionLogDir:      cfg.SessionLogDir,
	}, session.Deps{
		Runtime: rt,
		Spawner: session.PTYSpawner(spawner),
		Tracker: tracker,
		Events:  sink,
	})
	log.Printf("Session manager initialized (grace=%s, spawn_retries=%d, history=%d lines, logging=%v)",
		cfg.CleanupGrace, cfg.MaxSpawnRetries, cfg.HistoryLines, cfg.SessionLogging)

	sweeper, err := session.NewSweeper(mgr, cfg.OrphanSweepInterval)
	if err != nil {
		log.Fatalf("Orphan sweeper: %v", err)
	}
	sweeper.Start()

	api := &handlers.API{
		Sessions: mgr,
		Bridge:   remote.New(remote.Config{Backoff: cfg.RemoteBackoff}, nil, nil, tracker),
		Hosts:    dir,
		Activity: hub,
		DB:       database.DB,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(crashguard.Middleware)
	api.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Handler: r}

	ln, err := listen(ctx, cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Listen on %s: %v", cfg.ListenAddr, err)
	}

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	mgr.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sweeper.Stop(shutdownCtx)

	done := make(chan struct{})
	go func() {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timed out after %s, exiting", cfg.ShutdownTimeout)
		os.Exit(1)
	}

	tracker.Stop()
	audit.Close()
	log.Println("Server stopped")
}

const (
	listenAttempts = 5
	listenRetry    = time.Second
)

// listen binds addr. An address that is taken or not local fails at once;
// other errors (e.g. a transient resource shortage) are retried briefly.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var err error
	for attempt := 1; attempt <= listenAttempts; attempt++ {
		var ln net.Listener
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if crashguard.IsFatalStartup(err) {
			return nil, err
		}
		log.Printf("Listen on %s failed (attempt %d/%d): %v", addr, attempt, listenAttempts, err)
		select {
		case <-time.After(listenRetry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}
