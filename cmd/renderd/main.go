// Command renderd is the metatile rendering daemon: it loads styles
// from its configuration file, starts the worker pool and the unix
// socket server, and runs until signalled.
//
// Grounded on the teacher's cmd/main.go + cmd/commands/serve.go split
// (logger construction, config load-and-log, signal-driven shutdown
// with a timeout context), collapsed into a single command since this
// daemon has no sibling subcommands (no migrate/adduser analogues).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/renderd/renderd/internal/config"
	"github.com/renderd/renderd/internal/mapengine"
	"github.com/renderd/renderd/internal/projection"
	"github.com/renderd/renderd/internal/renderworker"
	"github.com/renderd/renderd/internal/rendersock"
	"github.com/renderd/renderd/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %s\n", err)
		os.Exit(1)
	}

	log, err := createLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: creating logger: %s\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, cfg); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger, cfg *config.Config) error {
	log.Infow("startup",
		"socketname", cfg.SocketName, "num_threads", cfg.NumThreads,
		"tile_dir", cfg.TileDir, "request_limit", cfg.RequestLimit, "dirty_limit", cfg.DirtyLimit)

	workers, err := buildWorkers(cfg, log)
	if err != nil {
		return fmt.Errorf("loading styles: %w", err)
	}
	log.Infow("styles loaded", "styles", workers[0].Registry.Names(), "num_workers", len(workers))

	reg := prometheus.NewRegistry()
	sched := scheduler.New(scheduler.Config{
		RequestLimit: cfg.RequestLimit,
		DirtyLimit:   cfg.DirtyLimit,
	}, log, reg)

	pool := renderworker.New(renderworker.Pool{
		Workers:   workers,
		Scheduler: sched,
		Tables:    projection.NewTables(),
		TileDir:   cfg.TileDir,
		Log:       log,
	}, reg)

	sockServer := &rendersock.Server{
		SocketPath: cfg.SocketName,
		Scheduler:  sched,
		Log:        log,
	}
	if err := sockServer.Listen(); err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx) // workers are daemonized: shutdown does not wait for in-flight renders (§5).

	accept := make(chan error, 1)
	go func() { accept <- sockServer.Serve(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Infow("received shutdown signal")
		cancel()
		select {
		case <-accept:
		case <-time.After(shutdownTimeout):
			log.Warnw("accept loop did not stop within shutdown timeout")
		}
		return nil
	case err := <-accept:
		cancel()
		if err != nil {
			return fmt.Errorf("accept loop: %w", err)
		}
		return nil
	}
}

// buildWorkers constructs cfg.NumThreads independent WorkerEngines, one
// per worker goroutine. Each gets its own Registry and Engine instance
// so no worker ever shares render state with another (§5, §9). The
// real projection each style uses is an external collaborator (the
// rendering engine links its own projection library); this wiring
// point uses an identity projector until a concrete engine is linked
// in.
func buildWorkers(cfg *config.Config, log *zap.SugaredLogger) ([]renderworker.WorkerEngine, error) {
	workers := make([]renderworker.WorkerEngine, cfg.NumThreads)
	for i := range workers {
		styles := make(map[string]mapengine.Style, len(cfg.Styles))
		for _, st := range cfg.Styles {
			if i == 0 {
				log.Debugw("registering style", "name", st.Name, "xml", st.XML, "uri", st.URI)
			}
			styles[st.Name] = mapengine.Style{
				Name:      st.Name,
				Projector: mapengine.FakeProjector{},
			}
		}
		workers[i] = renderworker.WorkerEngine{
			Registry: mapengine.NewRegistry(styles),
			Engine:   mapengine.NewFakeEngine(),
		}
	}
	return workers, nil
}

func createLogger(debug bool) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true
	if debug {
		zcfg.Level.SetLevel(zap.DebugLevel)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
