package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sketch-sync/internal/clock"
	"sketch-sync/internal/config"
	"sketch-sync/internal/handler"
	"sketch-sync/internal/middleware"
	"sketch-sync/internal/repository"
	"sketch-sync/internal/service"
	"sketch-sync/internal/transport"
	"sketch-sync/pkg/jwt"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
)

const peerPath = "/peer"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	flags := pflag.NewFlagSet("sketch-sync", pflag.ContinueOnError)
	cfg.BindFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDeviceID(); err != nil {
		log.Fatalf("Failed to resolve device id: %v", err)
	}
	if cfg.Logging.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repo, err := newRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open sketch store: %v", err)
	}

	link := transport.NewLink(transport.LinkConfig{
		DeviceID: cfg.Device.ID,
		Resolve:  peerResolver(cfg),
		Token: func() (string, error) {
			return jwt.GenerateToken(cfg.Device.ID, cfg.Peer.TokenExpiration, cfg.Peer.PairingSecret)
		},
		ReconnectInterval: cfg.Peer.ReconnectInterval,
		HandshakeTimeout:  cfg.Peer.HandshakeTimeout,
		WriteWait:         cfg.Peer.WriteWait,
		PongWait:          cfg.Peer.PongWait,
		PingPeriod:        cfg.Peer.PingPeriod,
		MaxMessageSize:    cfg.Peer.MaxMessageSize,
	})

	replication := service.NewReplicationService(cfg.Device.ID, repo, link, clock.Real(), service.ReplicationOptions{
		PushMode:           cfg.Sync.PushMode,
		TombstoneRetention: cfg.Sync.TombstoneRetention,
	})
	go replication.Run(ctx)

	if cfg.Peer.Discovery && cfg.Peer.URL == "" {
		port, err := strconv.Atoi(cfg.Server.Port)
		if err != nil {
			log.Fatalf("Invalid port %q: %v", cfg.Server.Port, err)
		}
		advertiser, err := transport.Advertise(cfg.Device.ID, port)
		if err != nil {
			log.Printf("[Discovery] advertising disabled: %v", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	sketchHandler := handler.NewSketchHandler(replication)
	syncHandler := handler.NewSyncHandler(replication)
	peerHandler := handler.NewPeerHandler(link)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sketches", sketchHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/sketches", sketchHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/sketches/{id}", sketchHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/sketches/{id}", sketchHandler.Update).Methods("PUT", "OPTIONS")
	api.HandleFunc("/sketches/{id}", sketchHandler.Delete).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/sync/status", syncHandler.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/refresh", syncHandler.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/push", syncHandler.Push).Methods("POST", "OPTIONS")

	peerAuth := middleware.PeerAuthMiddleware(cfg.Peer.PairingSecret, cfg.Device.ID)
	r.Handle(peerPath, peerAuth(http.HandlerFunc(peerHandler.HandleConnection))).Methods("GET")

	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Starting sketch-sync device %s on %s (store: %s, push: %s)",
			cfg.Device.ID, addr, cfg.Store.Backend, cfg.Sync.PushMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down device...")

	link.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	stop()
	<-replication.Done()

	log.Println("Device stopped gracefully")
}

func newRepository(ctx context.Context, cfg *config.Config) (repository.SketchRepository, error) {
	if cfg.Store.Backend == config.StoreBackendFile {
		log.Printf("[Store] using file store in %s", cfg.Store.DataDir)
		return repository.NewFileSketchRepository(cfg.Store.DataDir, cfg.Device.ID), nil
	}

	client, err := kivik.New("couch", cfg.Couch.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Couch.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, cfg.Couch.Name); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		log.Printf("[Store] created database: %s", cfg.Couch.Name)
	}

	log.Printf("[Store] using CouchDB at %s:%s/%s", cfg.Couch.Host, cfg.Couch.Port, cfg.Couch.Name)
	return repository.NewCouchSketchRepository(client, cfg.Couch.Name, cfg.Device.ID), nil
}

// peerResolver picks how this device finds its peer. A nil resolver leaves
// the device waiting for the peer to dial in.
func peerResolver(cfg *config.Config) func(ctx context.Context) (string, error) {
	switch {
	case cfg.Peer.URL != "":
		return transport.StaticResolver(cfg.Peer.URL)
	case cfg.Peer.Discovery:
		return transport.DiscoveryResolver(cfg.Device.ID, peerPath, cfg.Peer.BrowseTimeout)
	default:
		return nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"sketch-sync"}`))
}
