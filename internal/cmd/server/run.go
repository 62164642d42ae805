package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/TailR3d/Universal-tracker-2/internal/config"
	"github.com/TailR3d/Universal-tracker-2/internal/runtime"
	grpcserver "github.com/TailR3d/Universal-tracker-2/internal/server/grpc"
	httpserver "github.com/TailR3d/Universal-tracker-2/internal/server/http"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
	logpkg "github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Options for running the server process.
type Options struct {
	DataDir       string
	HTTPAddr      string
	GRPCAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the HTTP and gRPC servers plus the background loops and blocks
// until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass context.Background still get clean SIGTERM handling.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = opts.Config.DataDir
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}
	if opts.GRPCAddr == "" {
		opts.GRPCAddr = opts.Config.GRPCAddr
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{
		Level:  opts.Config.Log.Level,
		Format: opts.Config.Log.Format,
	})
	if err != nil {
		logger = logpkg.NewLogger(
			logpkg.WithLevel(logpkg.InfoLevel),
			logpkg.WithFormatter(&logpkg.TextFormatter{}),
		)
	}
	// Pebble logs through the stdlib logger; route it through ours.
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting tracker server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("backend", opts.Config.Backend),
	)

	rt.Start()

	hsrv := httpserver.New(rt, logger)
	gsrv := grpcserver.New(rt)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("http server error", logpkg.Err(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, opts.GRPCAddr); err != nil && sctx.Err() == nil {
			logger.Error("grpc server error", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	hsrv.Close()
	gsrv.Close()
	wg.Wait()
	logger.Info("tracker server stopped")
	return nil
}
