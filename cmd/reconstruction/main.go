// Command reconstruction serves mesh reconstruction over gRPC and HTTP. It
// accepts reconstruction goals and streamed point clouds, publishes the
// resulting mesh and records every run in a SQLite history database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/mesh.report/internal/api"
	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/geometry"
	"github.com/banshee-data/mesh.report/internal/meshrpc"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/publisher"
	"github.com/banshee-data/mesh.report/internal/query"
	"github.com/banshee-data/mesh.report/internal/reconstruction"
	"github.com/banshee-data/mesh.report/internal/runlog"
	"github.com/banshee-data/mesh.report/internal/snapshot"
	"github.com/banshee-data/mesh.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", ":50051", "gRPC listen address")
	configFile  = flag.String("config", "", "Reconstruction config file (.json or .yaml); reloaded on SIGHUP")
	runsDB      = flag.String("runs-db", "mesh_runs.db", "Run history database")
	exportDir   = flag.String("export-dir", "", "Directory for exported containers (empty disables export)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile     = flag.String("log-file", "", "Optional rotating log file")
	maxClients  = flag.Int("max-subscribers", publisher.DefaultConfig().MaxClients, "Maximum concurrent mesh watchers")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("reconstruction"))
		return
	}
	if *listen == "" && *grpcListen == "" {
		log.Fatal("at least one of -listen and -grpc-listen is required")
	}

	if err := monitoring.Init(*logLevel, monitoring.FileConfig{Path: *logFile, Compress: true}); err != nil {
		log.Fatalf("failed to initialise logging: %v", err)
	}
	defer monitoring.Sync()
	monitoring.Logf("[Main] %s", version.String("reconstruction"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv())
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing)

	cfg := config.DefaultReconstructionConfig()
	if *configFile != "" {
		if cfg, err = config.LoadReconstructionConfig(*configFile); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	history, err := runlog.Open(*runsDB)
	if err != nil {
		log.Fatalf("failed to open run history: %v", err)
	}
	defer history.Close()

	pubCfg := publisher.DefaultConfig()
	pubCfg.MaxClients = *maxClients
	pub := publisher.New(pubCfg, metrics)
	if err := pub.Start(); err != nil {
		log.Fatalf("failed to start publisher: %v", err)
	}
	defer pub.Stop()

	cache := snapshot.NewCache()
	svc, err := reconstruction.NewService(reconstruction.Options{
		Store:       store,
		Runner:      pipeline.New(geometry.NewEngine(), metrics),
		Cache:       cache,
		Broadcaster: pub,
		Recorder:    history,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("failed to create reconstruction service: %v", err)
	}
	queries := query.NewService(cache, metrics)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[Main] ingestion worker failed: %v", err)
		}
	}()

	if *configFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reloadOnHangup(ctx, *configFile, store)
		}()
	}

	if *grpcListen != "" {
		grpcServer := meshrpc.NewGRPCServer(metrics)
		meshrpc.NewServer(queries, svc, pub).Register(grpcServer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveGRPC(ctx, grpcServer, *grpcListen)
		}()
	}

	if *listen != "" {
		mux := api.NewServer(api.Options{
			Queries:       queries,
			Snapshots:     cache,
			Reconstructor: svc,
			Config:        store,
			Runs:          history,
			ExportDir:     *exportDir,
		}).ServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := history.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)})
		}()
	}

	wg.Wait()
	monitoring.Logf("[Main] graceful shutdown complete")
}

// reloadOnHangup replaces the stored config from path on every SIGHUP. A file
// that fails to load or validate leaves the current config in place.
func reloadOnHangup(ctx context.Context, path string, store *config.Store) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.LoadReconstructionConfig(path)
			if err != nil {
				monitoring.Warnf("[Config] reload of %s failed, keeping current config: %v", path, err)
				continue
			}
			if err := store.Replace(cfg); err != nil {
				monitoring.Warnf("[Config] reload of %s rejected: %v", path, err)
				continue
			}
			monitoring.Logf("[Config] reloaded %s", path)
		}
	}
}

func serveGRPC(ctx context.Context, srv *grpc.Server, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}
	go func() {
		<-ctx.Done()
		monitoring.Logf("[gRPC] shutting down")
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
	}()
	monitoring.Logf("[gRPC] listening on %s", addr)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		monitoring.Logf("[gRPC] server error: %v", err)
	}
}

func serveHTTP(ctx context.Context, server *http.Server) {
	go func() {
		monitoring.Logf("[HTTP] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("[HTTP] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[HTTP] shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("[HTTP] force close error: %v", err)
		}
	}
}
