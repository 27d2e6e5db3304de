package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/manager"
	"github.com/fablab-io/machine-agent/internal/registry"
	"github.com/fablab-io/machine-agent/internal/utils"
	"github.com/fablab-io/machine-agent/pkg/file"
)

func main() {
	// Set up structured logging with JSON output
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	// Load configuration from file
	fileClient := file.NewFileService()
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Open the device configuration store
	store, err := registry.OpenStore(config.Registry.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open device store")
	}
	defer store.Close()

	// Wire the machine layer and bring up a session per configured device
	mgr := manager.New(config, store, nil, log)
	if err := mgr.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start machine layer")
	}
	log.Info().Int("devices", len(mgr.ListDevices())).Msg("Machine layer started")

	// Log the event stream so operators can follow state changes
	subID, eventCh := mgr.Subscribe()
	go func() {
		for ev := range eventCh {
			entry := log.Info().Str("event", string(ev.Type)).Str("device_id", ev.DeviceID)
			if ev.Status != nil {
				entry = entry.Str("state", string(ev.Status.State))
			}
			if ev.Phase != "" {
				entry = entry.Str("phase", string(ev.Phase))
			}
			entry.Msg("Machine event")
		}
	}()

	// Run an initial discovery pass in the background; findings are only
	// logged, never auto-registered.
	go func() {
		candidates, err := mgr.Scan(context.Background(), "")
		if err != nil {
			log.Warn().Err(err).Msg("Initial discovery scan failed")
			return
		}
		for _, c := range candidates {
			log.Info().Str("name", c.Name).Str("kind", string(c.Kind)).Str("source", c.Source).Msg("Discovered candidate device")
		}
	}()

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	mgr.Unsubscribe(subID)
	if err := mgr.Stop(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
	}
}
