package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/config"
	"github.com/weft-ai/weft/pkg/download"
	"github.com/weft-ai/weft/pkg/hostinfo"
	"github.com/weft-ai/weft/pkg/inference"
	"github.com/weft-ai/weft/pkg/inference/llama"
	"github.com/weft-ai/weft/pkg/inference/models"
	"github.com/weft-ai/weft/pkg/inference/scheduling"
	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/metrics"
	"github.com/weft-ai/weft/pkg/middleware"
	"github.com/weft-ai/weft/pkg/registry"
	"github.com/weft-ai/weft/pkg/routing"
	"github.com/weft-ai/weft/pkg/store"
	"github.com/weft-ai/weft/pkg/tailbuffer"
)

// logTailCapacity bounds the log history served by GET /api/logs.
const logTailCapacity = 64 * 1024

func newServeCmd() *cobra.Command {
	var (
		configPath string
		modelsPath string
		port       int
		socket     string
		logLevel   string
		verbose    bool
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the weft daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = defaultConfigPath()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Flags beat both the config file and the environment.
			if cmd.Flags().Changed("models") {
				cfg.ModelsPath = modelsPath
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("unix") {
				cfg.Socket = socket
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			return runDaemon(cfg)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.weft/config.yaml when present)")
	c.Flags().StringVar(&modelsPath, "models", "", "directory holding model files")
	c.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on")
	c.Flags().StringVar(&socket, "unix", "", "Unix socket to listen on instead of TCP")
	c.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	c.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	return c
}

// defaultConfigPath returns ~/.weft/config.yaml when the file exists,
// otherwise empty so the daemon runs on built-in defaults.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".weft", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func runDaemon(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logs go to stderr and into a ring buffer served by /api/logs.
	tail := tailbuffer.New(logTailCapacity)
	log := logging.New(io.MultiWriter(os.Stderr, tail), cfg.LogLevel)

	reg := registry.Default()
	modelStore, err := store.New(logging.Component(log, "store"), cfg.ModelsPath, reg)
	if err != nil {
		return fmt.Errorf("opening model store: %w", err)
	}
	if removed := modelStore.CleanIncomplete(); removed > 0 {
		log.Infof("Removed %d incomplete download(s)", removed)
	}
	downloads := download.NewManager(logging.Component(log, "download"), http.DefaultClient, modelStore)

	engine := llama.New()
	if !llama.Built {
		log.Warn("Binary built without the llama tag, chat requests will fail")
	}

	cache := scheduling.NewCache(logging.Component(log, "cache"), engine, modelStore, scheduling.CacheConfig{
		Capacity:       cfg.Cache.Capacity,
		AcquireTimeout: time.Duration(cfg.Cache.AcquireTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(cfg.Cache.IdleTimeoutSeconds) * time.Second,
		VerifyOnLoad:   cfg.Cache.VerifyOnLoad,
		Model: inference.ModelConfig{
			ContextSize: cfg.Engine.ContextSize,
			GPULayers:   cfg.Engine.GPULayers,
			Threads:     cfg.Engine.Threads,
			BatchSize:   cfg.Engine.BatchSize,
		},
	})
	// Deletion checks cache residency so an in-use model's file cannot
	// be removed from under it.
	modelStore.SetInUse(cache.InUse)

	scheduler := scheduling.NewScheduler(
		logging.Component(log, "scheduler"),
		reg,
		cache,
		scheduling.NewDispatcher(logging.Component(log, "dispatch")),
		inference.GenerationParams{
			Temperature: cfg.Defaults.Temperature,
			TopP:        cfg.Defaults.TopP,
			MaxTokens:   cfg.Defaults.MaxTokens,
		},
	)
	manager := models.NewManager(logging.Component(log, "models"), reg, modelStore, downloads)

	started := time.Now()
	router := routing.NewNormalizedServeMux()
	for _, route := range manager.GetRoutes() {
		router.Handle(route, manager)
	}
	for _, route := range scheduler.GetRoutes() {
		router.Handle(route, scheduler)
	}
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("GET /api/status", statusHandler(log, modelStore, cache, engine, started))
	router.HandleFunc("GET /api/logs", logsHandler(tail))

	server := &http.Server{Handler: middleware.CORS(cfg.AllowedOrigins, router)}

	listener, addr, err := listen(cfg)
	if err != nil {
		return err
	}
	log.Infof("weft %s listening on %s", Version, addr)
	log.Infof("Models directory: %s", modelStore.Dir())

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Serve(listener)
	}()

	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(schedulerDone)
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			// In-flight generations can outlive the grace period;
			// severing their connections cancels them.
			log.Warnf("Forcing connections closed: %v", err)
			_ = server.Close()
		}
		log.Info("Waiting for the model cache to drain")
		<-schedulerDone
	}
	log.Info("weft stopped")
	return nil
}

// listen opens the configured Unix socket or TCP address.
func listen(cfg config.Config) (net.Listener, string, error) {
	if cfg.Socket != "" {
		if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("removing stale socket %s: %w", cfg.Socket, err)
		}
		listener, err := net.Listen("unix", cfg.Socket)
		if err != nil {
			return nil, "", fmt.Errorf("listening on socket %s: %w", cfg.Socket, err)
		}
		return listener, cfg.Socket, nil
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	return listener, addr, nil
}

func statusHandler(log logging.Logger, modelStore *store.Store, cache *scheduling.Cache, engine inference.Engine, started time.Time) http.HandlerFunc {
	// Hardware does not change while the daemon runs; probe once.
	host := hostinfo.Collect(log)
	return func(w http.ResponseWriter, _ *http.Request) {
		count, total, err := modelStore.DiskUsage()
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteData(w, http.StatusOK, api.Status{
			Version:       Version,
			Engine:        engine.Name(),
			UptimeSeconds: int64(time.Since(started).Seconds()),
			ModelsPath:    modelStore.Dir(),
			DiskUsage: api.DiskUsage{
				Path:       modelStore.Dir(),
				ModelCount: count,
				TotalBytes: total,
			},
			Loaded: cache.Status(),
			Host:   host,
		})
	}
}

func logsHandler(tail *tailbuffer.TailBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(tail.Snapshot())
	}
}
