// Command velocity-pilot serves the trajectory controller to simulator
// vehicles over websockets. Every tick can be recorded to sqlite, streamed
// over gRPC and inspected on the debug dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/config"
	"github.com/banshee-data/velocity.pilot/internal/db"
	"github.com/banshee-data/velocity.pilot/internal/monitor"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/server"
	"github.com/banshee-data/velocity.pilot/internal/stream"
	"github.com/banshee-data/velocity.pilot/internal/version"
)

var (
	listen       = flag.String("listen", ":4567", "Vehicle websocket listen address")
	adminListen  = flag.String("admin-listen", "localhost:8081", "Debug HTTP listen address (empty disables)")
	configPath   = flag.String("config", "", "Tuning config JSON (defaults to "+config.DefaultConfigPath+" when present)")
	dbPath       = flag.String("db-path", "pilot.db", "Tick recorder database (empty disables recording)")
	grpcListen   = flag.String("grpc-listen", stream.DefaultConfig().ListenAddr, "Tick stream gRPC listen address (empty disables)")
	monitorTicks = flag.Int("monitor-ticks", monitor.DefaultCapacity, "Ticks kept for the debug dashboard")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("velocity-pilot", version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	tuning, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	cfg := tuning.PilotConfig()
	log.Printf("velocity-pilot %s: horizon %d x %v, latency %v, backend %s",
		version.String(), cfg.Controller.Horizon, cfg.Controller.Timestep, cfg.Latency, tuning.GetSolverBackend())

	var (
		observers []pilot.Observer
		attachers []func(*http.ServeMux) error
	)

	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		recorder := db.NewRecorder(database, db.DefaultRecorderBuffer)
		defer recorder.Close()
		observers = append(observers, recorder)
		attachers = append(attachers, database.AttachAdminRoutes)
	}

	if *grpcListen != "" {
		scfg := stream.DefaultConfig()
		scfg.ListenAddr = *grpcListen
		publisher := stream.NewPublisher(scfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start tick stream: %v", err)
		}
		defer publisher.Stop()
		observers = append(observers, publisher)
	}

	mon := monitor.New(*monitorTicks)
	observers = append(observers, mon)

	srv := server.New(cfg, server.WithObservers(observers...))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if *adminListen != "" {
		mux := http.NewServeMux()
		srv.AttachAdminRoutes(mux)
		mon.AttachAdminRoutes(mux)
		for _, attach := range attachers {
			if err := attach(mux); err != nil {
				log.Fatalf("failed to attach admin routes: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(ctx, *adminListen, mux)
		}()
	}

	log.Printf("serving vehicles on %s", *listen)
	if err := srv.ListenAndServe(ctx, *listen); err != nil {
		log.Printf("vehicle server error: %v", err)
		stop()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	cfg, err := config.LoadTuningConfig(config.DefaultConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("%s not found, using built-in defaults", config.DefaultConfigPath)
		return config.DefaultTuningConfig(), nil
	}
	return cfg, err
}

func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("debug routes on http://%s/debug/", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down admin server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("admin server force close error: %v", err)
		}
	}
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("db-path", "pilot.db", "Path to the tick recorder database")
	fs.Usage = func() { db.PrintMigrateHelp(os.Stderr) }
	if err := fs.Parse(args); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if err := db.RunMigrateCommand(os.Stdout, fs.Args(), *path); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
