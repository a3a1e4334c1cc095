// Package cli implements the interactive command-line interface: live
// room and user tables, bot orchestration and operator broadcast.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/bot"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/session"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/voice"
)

// CLI provides the interactive operator console.
type CLI struct {
	cfg      *config.Config
	bus      *events.Bus
	rooms    *room.Manager
	sessions *session.Manager
	relay    *voice.Relay
	bots     *bot.Manager

	startedAt time.Time
}

// NewCLI creates a CLI over the server components.
func NewCLI(cfg *config.Config, bus *events.Bus, rooms *room.Manager,
	sessions *session.Manager, relay *voice.Relay, bots *bot.Manager) *CLI {
	return &CLI{
		cfg:       cfg,
		bus:       bus,
		rooms:     rooms,
		sessions:  sessions,
		relay:     relay,
		bots:      bots,
		startedAt: time.Now(),
	}
}

// Start runs the interactive loop until ctx is cancelled or stdin ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nConsole ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("paltalkd> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.Fields(line)
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "rooms", "r":
		c.printRooms()
	case "users", "u":
		c.printUsers()
	case "broadcast", "bc":
		return c.cmdBroadcast(args)
	case "bots":
		return c.cmdBots(ctx, args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Println()
	fmt.Println("  status               Show server counters")
	fmt.Println("  rooms                List rooms and member counts")
	fmt.Println("  users                List online users")
	fmt.Println("  broadcast <text>     Send a system notice to everyone online")
	fmt.Println("  bots start <n> <room>  Launch n synthetic clients into a room")
	fmt.Println("  bots stop            Stop the synthetic clients")
	fmt.Println("  bots status          Show the synthetic client fleet")
	fmt.Println("  quit                 Shut the server down")
	fmt.Println()
}

func (c *CLI) printStatus() {
	sys := util.GetSystemInfo()
	srv := c.cfg.GetServer()

	fmt.Printf("\n  Banner:        %s\n", srv.Banner)
	fmt.Printf("  Uptime:        %s\n", time.Since(c.startedAt).Round(time.Second))
	fmt.Printf("  Chat port:     %d\n", srv.ChatPort)
	fmt.Printf("  Voice port:    %d\n", srv.VoicePort)
	fmt.Printf("  Online users:  %d\n", c.sessions.CountOnline())
	fmt.Printf("  Rooms:         %d\n", c.rooms.Count())
	fmt.Printf("  Voice sockets: %d\n", c.relay.Count())
	fmt.Printf("  Bots:          %d\n", c.bots.Count())
	fmt.Printf("  Host:          %s (%s)\n", sys.Hostname, sys.OS)
	fmt.Println()
}

func (c *CLI) printRooms() {
	rooms := c.rooms.List()
	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Category", "Rating", "Voice", "Members", "Durable"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range rooms {
		voiceCol := "-"
		if r.Voice {
			voiceCol = "yes"
		}
		durableCol := "-"
		if r.Durable {
			durableCol = "yes"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", r.ID),
			r.Name,
			r.Category,
			r.Rating,
			voiceCol,
			fmt.Sprintf("%d", r.Members),
			durableCol,
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) printUsers() {
	users := c.sessions.OnlineUsers()
	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"UID", "Nickname", "Presence", "Conn", "Remote"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, u := range users {
		tw.Append([]string{
			fmt.Sprintf("%d", u.UID),
			u.Nickname,
			u.Presence,
			fmt.Sprintf("%d", u.ConnID),
			u.Remote,
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: broadcast <text>")
	}
	text := strings.Join(args, " ")
	delivered := c.sessions.BroadcastSystem(text)
	fmt.Printf("Broadcast delivered to %d users\n", delivered)
	return nil
}

func (c *CLI) cmdBots(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bots start|stop|status")
	}

	switch args[0] {
	case "start":
		if len(args) != 3 {
			return fmt.Errorf("usage: bots start <count> <room_id>")
		}
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count: %s", args[1])
		}
		roomID, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid room id: %s", args[2])
		}
		if err := c.bots.Start(ctx, count, uint32(roomID)); err != nil {
			return err
		}
		fmt.Printf("Started %d bots in room %d\n", count, roomID)
	case "stop":
		if err := c.bots.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("Bots stopped")
	case "status":
		running, count, roomID := c.bots.Status()
		if !running {
			fmt.Println("Bots are not running")
			return nil
		}
		fmt.Printf("%d bots running in room %d\n", count, roomID)
	default:
		return fmt.Errorf("unknown bots subcommand: %s", args[0])
	}
	return nil
}
