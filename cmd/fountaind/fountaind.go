// fountaind is the fountain controller daemon: it owns the sequencer
// toolchain and the acquisition board, executes parameter sweeps and
// serves the HTTP API for the control room.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coldlab-data/fountain/internal/api"
	"github.com/coldlab-data/fountain/internal/archive"
	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/daq"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/monitoring"
	"github.com/coldlab-data/fountain/internal/run"
	"github.com/coldlab-data/fountain/internal/seq"
	"github.com/coldlab-data/fountain/internal/store"
	"github.com/coldlab-data/fountain/internal/sweep"
	"github.com/coldlab-data/fountain/internal/version"
)

var (
	devMode  = flag.Bool("dev", false, "Run against a simulated acquisition board")
	listen   = flag.String("listen", ":8080", "Listen address")
	cfgPath  = flag.String("config", "fountain.json", "Path to the run configuration")
	dataDir  = flag.String("data", "", "Override the archive directory from the configuration")
	indexDSN = flag.String("index", "", "Override the index database path from the configuration")
	trace    = flag.Bool("trace", false, "Enable per-step and per-request trace logging")
)

// buildBackend assembles the acquisition backend the configuration asks
// for and wraps it in the retry policy.
func buildBackend(cfg *config.RunConfig) (daq.Backend, error) {
	var inner daq.Backend
	switch kind := cfg.GetBackend(); kind {
	case "mock":
		inner = &daq.MockBackend{Decimation: cfg.GetDecimation()}
	case "local":
		inner = &daq.LocalBackend{
			SpoolDir:   cfg.GetSpoolDir(),
			UpChannel:  cfg.GetUpChannel(),
			DwChannel:  cfg.GetDwChannel(),
			Decimation: cfg.GetDecimation(),
		}
	case "remote":
		inner = &daq.RemoteBackend{
			BaseURL:    cfg.GetBoardURL(),
			UpChannel:  cfg.GetUpChannel(),
			DwChannel:  cfg.GetDwChannel(),
			Decimation: cfg.GetDecimation(),
			Timeout:    cfg.GetNetworkTimeout(),
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}

	return &daq.RetryPolicy{
		Backend:  inner,
		Attempts: cfg.GetRetryAttempts(),
		Delay:    cfg.GetRetryDelay(),
		Backoff:  cfg.GetRetryBackoff(),
		MaxDelay: cfg.GetNetworkTimeout(),
	}, nil
}

func main() {
	flag.Parse()
	monitoring.SetTrace(*trace)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("fountaind %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = dataDir
	}
	if *indexDSN != "" {
		cfg.DBPath = indexDSN
	}
	if *devMode {
		mock := "mock"
		cfg.Backend = &mock
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("failed to build acquisition backend: %v", err)
	}

	index, err := db.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open index database: %v", err)
	}
	defer index.Close()
	if err := index.MigrateUp(); err != nil {
		log.Fatalf("failed to migrate index database: %v", err)
	}

	files := &store.Store{Base: cfg.GetDataDir()}

	var prep run.Preparer
	if *devMode {
		prep = devPreparer{}
	} else {
		prep = &run.SeqPreparer{
			Cfg: cfg,
			Tools: &seq.Toolchain{
				CompilerPath:  cfg.GetCompilerPath(),
				SequencerPath: cfg.GetSequencerPath(),
				LockFile:      cfg.GetLockFile(),
				WorkDir:       cfg.GetWorkDir(),
			},
		}
	}

	mgr := &run.Manager{
		Cfg:     cfg,
		Backend: backend,
		Prep:    prep,
		Store:   files,
		Index:   index,
	}
	rean := &archive.Reanalyzer{Index: index}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(mgr, index, files, rean, cfg).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	<-ctx.Done()

	// Let a live run drain its armed shots before the process exits.
	if err := mgr.Abort(); err != nil && !errors.Is(err, run.ErrNoActiveRun) {
		log.Printf("abort on shutdown: %v", err)
	}
	mgr.Wait()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// devPreparer stands in for the sequencer toolchain when running against
// the simulated board.
type devPreparer struct{}

func (devPreparer) Prepare(ctx context.Context, _ sweep.StepParams) (float64, error) {
	return 0.1, nil
}
