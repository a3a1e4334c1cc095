// Paltalkd - legacy chat and voice server.
//
// Paltalkd speaks the length-prefixed binary protocol of the original
// late-90s chat clients: challenge-response login, buddy presence,
// chat rooms with mic grants, instant messages and an RTP voice relay.
// It exposes a REST admin API, an operator console, and publishes
// telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/api"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/bot"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/buddy"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/cli"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/db"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/scheduler"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/session"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/telemetry"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/voice"
)

const (
	AppName    = "paltalkd"
	AppVersion = "1.0.0"
	Banner     = `
             _ _        _ _       _
  _ __  __ _| | |_ __ _| | |____| |
 | '_ \/ _' | |  _/ _' | | / / _' |
 | .__/\__,_|_|\__\__,_|_|_\_\__,_|
 |_|                        v%s
 Legacy chat & voice server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting paltalkd")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize the logger with config-based settings.
	logCfg := util.LogConfig{
		Level:      cfg.GetApplication().Logging.Level,
		Directory:  cfg.GetApplication().Logging.Directory,
		MaxBackups: cfg.GetApplication().Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// Open the repository and seed reference data on first run.
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()
	if err := store.Seed(); err != nil {
		log.Fatal().Err(err).Msg("failed to seed database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components.
	bus := events.NewBus()
	registry := network.NewRegistry()
	rooms := room.NewManager(registry, bus)
	buddies := buddy.NewDirectory(registry)

	records, err := store.LoadRoomsByCategory("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rooms")
	}
	rooms.LoadDurable(records)

	sessions := session.NewManager(cfg, store, registry, rooms, buddies, bus)
	chatListener := network.NewChatListener(cfg, registry, sessions)
	relay := voice.NewRelay(cfg, bus)
	bots := bot.NewManager(cfg, bus)
	apiServer := api.NewServer(cfg, bus, rooms, sessions, relay, bots)
	sched := scheduler.NewScheduler(cfg, bus, registry, rooms, sessions, relay, bots)
	console := cli.NewCLI(cfg, bus, rooms, sessions, relay, bots)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetApplication().MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize mqtt, telemetry disabled")
		}
	}

	// The CLI quit command goes through the event bus.
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetServer().ChatPort).Msg("starting chat listener")
		if err := chatListener.Start(ctx); err != nil {
			errCh <- fmt.Errorf("chat listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetServer().VoicePort).Msg("starting voice relay")
		if err := relay.Start(ctx); err != nil {
			errCh <- fmt.Errorf("voice relay: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetServer().APIPort).Msg("starting admin api")
		if err := apiServer.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("admin api failed (non-fatal)")
		}
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting mqtt telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("mqtt telemetry failed (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting console")
		console.Start(ctx)
	}()

	// Graceful shutdown on signal, console quit, or a fatal listener
	// error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if running, _, _ := bots.Status(); running {
		if err := bots.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to stop bots")
		}
	}
	registry.CloseAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	log.Info().Msg("paltalkd stopped")
}
