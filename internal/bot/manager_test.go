package bot

import (
	"context"
	"testing"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
)

func newManagerForTest(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	// A port nothing listens on: the fleet spins on reconnect until
	// stopped, which is all these tests need.
	cfg.Server.ChatPort = 1

	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	return NewManager(cfg, bus)
}

func TestStartRejectsBadCount(t *testing.T) {
	m := newManagerForTest(t)
	ctx := context.Background()

	for _, count := range []int{0, -1, MaxBots + 1} {
		if err := m.Start(ctx, count, 10); err == nil {
			t.Errorf("Start(%d) accepted an out-of-range count", count)
			m.Stop(ctx)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newManagerForTest(t)
	ctx := context.Background()

	if running, _, _ := m.Status(); running {
		t.Fatal("new manager reports running")
	}
	if err := m.Stop(ctx); err == nil {
		t.Error("Stop on an idle manager should fail")
	}

	if err := m.Start(ctx, 3, 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	running, count, roomID := m.Status()
	if !running || count != 3 || roomID != 10 {
		t.Errorf("Status = (%v, %d, %d), want (true, 3, 10)", running, count, roomID)
	}

	if err := m.Start(ctx, 2, 11); err == nil {
		t.Error("second Start while running should fail")
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if running, count, _ := m.Status(); running || count != 0 {
		t.Errorf("after Stop, Status = (%v, %d)", running, count)
	}

	// The fleet can be relaunched after a stop.
	if err := m.Start(ctx, 1, 12); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
}

func TestSeedIdentityLayout(t *testing.T) {
	m := newManagerForTest(t)
	b := newBot(4, 10, "127.0.0.1:1", m.logger)
	if b.nickname != "bot_4" {
		t.Errorf("nickname = %q, want bot_4", b.nickname)
	}
	if b.uid != BotSeedBaseUID+4 {
		t.Errorf("uid = %d, want %d", b.uid, BotSeedBaseUID+4)
	}
	if b.password != BotSeedPassword {
		t.Errorf("password = %q", b.password)
	}
	if len(b.tag) == 0 {
		t.Error("bot has no session tag")
	}
}
