// Package scheduler runs the background maintenance loops: the stale
// connection sweep and the periodic stats snapshot.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/bot"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/session"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/voice"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	bus      *events.Bus
	registry *network.Registry
	rooms    *room.Manager
	sessions *session.Manager
	relay    *voice.Relay
	bots     *bot.Manager
}

// NewScheduler creates a task scheduler over the server components.
func NewScheduler(cfg *config.Config, bus *events.Bus, registry *network.Registry,
	rooms *room.Manager, sessions *session.Manager, relay *voice.Relay, bots *bot.Manager) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		rooms:    rooms,
		sessions: sessions,
		relay:    relay,
		bots:     bots,
	}
}

// Start runs all loops and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runStaleSweepLoop(ctx)
	go s.runStatsLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runStaleSweepLoop closes connections with no traffic for longer than
// the configured timeout.
func (s *Scheduler) runStaleSweepLoop(ctx context.Context) {
	timers := s.cfg.GetApplication().Timers
	interval := time.Duration(timers.StaleSweepIntervalSec) * time.Second
	timeout := time.Duration(timers.StaleConnTimeoutSec) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.CleanStale(timeout); n > 0 {
				log.Info().Int("count", n).Msg("stale connections swept")
			}
		}
	}
}

// runStatsLoop emits the periodic counters snapshot on the event bus;
// telemetry picks it up from there.
func (s *Scheduler) runStatsLoop(ctx context.Context) {
	timers := s.cfg.GetApplication().Timers
	ticker := time.NewTicker(time.Duration(timers.StatsIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := events.StatsPayload{
				At:           time.Now(),
				OnlineUsers:  s.sessions.CountOnline(),
				Rooms:        s.rooms.Count(),
				VoiceSockets: s.relay.Count(),
				Bots:         s.bots.Count(),
			}
			log.Debug().
				Int("online", snapshot.OnlineUsers).
				Int("rooms", snapshot.Rooms).
				Int("voice", snapshot.VoiceSockets).
				Msg("stats snapshot")
			s.bus.Emit(ctx, events.Event{
				Type:    events.EventStatsSnapshot,
				Source:  "scheduler",
				Payload: snapshot,
			})
		}
	}
}
