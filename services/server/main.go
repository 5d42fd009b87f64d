package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HORNET-Storage/hornet-relay/lib/broadcast"
	"github.com/HORNET-Storage/hornet-relay/lib/config"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/relay"
	"github.com/HORNET-Storage/hornet-relay/lib/search"
	search_badgerhold "github.com/HORNET-Storage/hornet-relay/lib/search/badgerhold"
	"github.com/HORNET-Storage/hornet-relay/lib/stores/gorm/sqlite"
	"github.com/HORNET-Storage/hornet-relay/lib/transports/websocket"
)

func main() {
	if err := config.InitConfig(); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	if err := logging.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.GetLogger().Close()

	cfg, err := config.GetConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}

	var idx search.Index = search.Disabled{}
	if cfg.Search.Enabled {
		searchIndex, err := search_badgerhold.InitStore(config.GetSearchPath())
		if err != nil {
			logging.Fatalf("Failed to open search index: %v", err)
		}
		idx = searchIndex
	}

	// Closing the store also closes the search index
	store, err := sqlite.InitStore(config.GetPath("relay.db"), idx)
	if err != nil {
		logging.Fatalf("Failed to open event store: %v", err)
	}

	r := relay.New(store, broadcast.NewBroadcaster(), relay.OptionsFromConfig(cfg))
	server := websocket.NewServer(r, websocket.LoadAccessControl())
	config.OnReload(server.UpdateAccessControlSettings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go r.RunExpirationSweep(ctx, time.Duration(cfg.Events.ExpirationSweepSeconds)*time.Second)

	go func() {
		if err := server.Listen(config.GetListenAddress()); err != nil {
			logging.Errorf("Relay server stopped: %v", err)
		}
		stop()
	}()

	<-ctx.Done()
	logging.Info("Shutting down relay")

	if err := server.Shutdown(); err != nil {
		logging.Errorf("Error shutting down server: %v", err)
	}
	if err := store.Close(); err != nil {
		logging.Errorf("Error closing store: %v", err)
	}
}
