// Command container-server serves a mesh container file through the same
// query contract as the reconstruction service. SIGHUP reloads the file
// under a fresh id.
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

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/mesh.report/internal/api"
	"github.com/banshee-data/mesh.report/internal/container"
	"github.com/banshee-data/mesh.report/internal/meshrpc"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/query"
	"github.com/banshee-data/mesh.report/internal/snapshot"
	"github.com/banshee-data/mesh.report/internal/version"
)

var (
	containerFile = flag.String("container", "", "Mesh container file to serve (required)")
	meshID        = flag.String("id", "", "Snapshot id to serve the container under (default: random)")
	listen        = flag.String("listen", ":8081", "HTTP listen address (empty disables HTTP)")
	grpcListen    = flag.String("grpc-listen", ":50052", "gRPC listen address (empty disables gRPC)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("container-server"))
		return
	}
	if *containerFile == "" {
		log.Fatal("-container is required")
	}
	if err := monitoring.Init(*logLevel, monitoring.FileConfig{}); err != nil {
		log.Fatalf("failed to initialise logging: %v", err)
	}
	defer monitoring.Sync()

	id := *meshID
	if id == "" {
		id = uuid.NewString()
	}
	cache := snapshot.NewCache()
	if err := load(cache, *containerFile, id); err != nil {
		log.Fatalf("failed to load container: %v", err)
	}

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}
	queries := query.NewService(cache, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reloadOnHangup(ctx, cache, *containerFile)
	}()

	if *grpcListen != "" {
		srv := meshrpc.NewGRPCServer(metrics)
		meshrpc.NewServer(queries, nil, nil).Register(srv)
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitoring.Logf("[gRPC] listening on %s", *grpcListen)
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				monitoring.Logf("[gRPC] server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.GracefulStop()
		}()
	}

	if *listen != "" {
		mux := api.NewServer(api.Options{Queries: queries, Snapshots: cache}).ServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitoring.Logf("[HTTP] listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Logf("[HTTP] shutdown error: %v", err)
			}
		}()
	}

	wg.Wait()
	monitoring.Logf("[Main] graceful shutdown complete")
}

func load(cache *snapshot.Cache, path, id string) error {
	snap, err := container.Load(path, id)
	if err != nil {
		return err
	}
	cache.Replace(snap)
	monitoring.Logf("[Container] serving %s as %s: %d vertices, %d faces, %d materials, %d textures",
		path, id, snap.VertexCount(), snap.FaceCount(), len(snap.Materials.Materials), len(snap.Textures))
	return nil
}

// reloadOnHangup reloads the container on SIGHUP. A file that fails to load
// leaves the current snapshot in place.
func reloadOnHangup(ctx context.Context, cache *snapshot.Cache, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := load(cache, path, uuid.NewString()); err != nil {
				monitoring.Warnf("[Container] reload of %s failed: %v", path, err)
			}
		}
	}
}
