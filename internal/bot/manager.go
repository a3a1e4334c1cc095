package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// MaxBots bounds one orchestration run; it matches the number of seeded
// bot accounts.
const MaxBots = 10

// Manager starts and stops a fleet of synthetic clients.
type Manager struct {
	cfg    *config.Config
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	count   int
	roomID  uint32
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewManager creates an idle bot manager.
func NewManager(cfg *config.Config, bus *events.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: util.ComponentLogger("bots"),
	}
}

// Start launches count bots into roomID. The bots dial the local chat
// listener like any other client.
func (m *Manager) Start(ctx context.Context, count int, roomID uint32) error {
	if count < 1 || count > MaxBots {
		return fmt.Errorf("bot count must be between 1 and %d, got %d", MaxBots, count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("bots already running, stop them first")
	}

	srv := m.cfg.GetServer()
	addr := fmt.Sprintf("127.0.0.1:%d", srv.ChatPort)

	// The fleet outlives the caller's context (an API request context
	// ends with the response); shutdown goes through Stop.
	botCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.count = count
	m.roomID = roomID

	for i := 1; i <= count; i++ {
		b := newBot(i, roomID, addr, m.logger)
		m.done.Add(1)
		go func() {
			defer m.done.Done()
			b.run(botCtx)
		}()
	}

	m.logger.Info().Int("count", count).Uint32("room", roomID).Msg("bots started")
	m.bus.Emit(ctx, events.Event{
		Type:    events.EventBotsStarted,
		Source:  "bots",
		Payload: events.BotsPayload{Count: count, RoomID: roomID},
	})
	return nil
}

// Stop tears the fleet down and waits for every bot to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("bots are not running")
	}
	cancel := m.cancel
	count := m.count
	m.running = false
	m.count = 0
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.done.Wait()

	m.logger.Info().Int("count", count).Msg("bots stopped")
	m.bus.Emit(ctx, events.Event{
		Type:    events.EventBotsStopped,
		Source:  "bots",
		Payload: events.BotsPayload{Count: count},
	})
	return nil
}

// Status reports the current fleet state.
func (m *Manager) Status() (running bool, count int, roomID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.count, m.roomID
}

// Count returns the number of bots in the current run.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
